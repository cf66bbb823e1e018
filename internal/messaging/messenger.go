// Package messaging defines the outbound message boundary used by the
// scheduling jobs and the caregiver protocol.
package messaging

import "context"

// Button is an inline response affordance attached to a message.
// Data is the callback token delivered back when the button is pressed.
type Button struct {
	Label string
	Data  string
}

// Messenger sends messages to a user. Implemented by the Telegram channel;
// jobs depend on this interface so they can be tested without a live bot.
type Messenger interface {
	Send(ctx context.Context, recipient int64, text string, buttons ...Button) (int, error)
	Edit(ctx context.Context, recipient int64, messageID int, text string) error
}
