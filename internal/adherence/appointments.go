package adherence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/messaging"
	"github.com/gmsas95/medassist/internal/store"
)

// AppointmentNotifier reminds patients of visits in the next 24 hours.
// Each appointment is flagged before the message goes out, so a reminder
// fires at most once even if delivery fails.
type AppointmentNotifier struct {
	store     *store.Store
	messenger messaging.Messenger
	logger    *zap.Logger
	loc       *time.Location

	now func() time.Time
}

// NewAppointmentNotifier creates the hourly appointment job.
func NewAppointmentNotifier(st *store.Store, m messaging.Messenger, logger *zap.Logger, loc *time.Location) *AppointmentNotifier {
	return &AppointmentNotifier{
		store:     st,
		messenger: m,
		logger:    logger,
		loc:       loc,
		now:       time.Now,
	}
}

// Run sends reminders for unflagged appointments within the look-ahead window.
func (n *AppointmentNotifier) Run(ctx context.Context) error {
	now := n.now()

	appts, err := n.store.UnremindedAppointments(now, now.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("failed to list appointments: %w", err)
	}

	for _, appt := range appts {
		if err := n.store.MarkReminded(appt.ID); err != nil {
			n.logger.Error("failed to flag appointment",
				zap.Uint("appointment", appt.ID), zap.Error(err))
			continue
		}

		text := fmt.Sprintf("🗓️ Reminder: %s tomorrow at %s",
			appt.Title, appt.DateTime.In(n.loc).Format("15:04 on Monday, Jan 2"))

		if _, err := n.messenger.Send(ctx, appt.PatientID, text); err != nil {
			n.logger.Error("appointment reminder delivery failed",
				zap.Uint("appointment", appt.ID),
				zap.Int64("patient", appt.PatientID),
				zap.Error(err))
		}
	}
	return nil
}
