// Package telegram is the patient-facing channel. It feeds updates to the
// dispatcher and implements the outbound messenger.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gmsas95/medassist/internal/dispatch"
	"github.com/gmsas95/medassist/internal/inference"
	"github.com/gmsas95/medassist/internal/messaging"
)

// Dispatcher is the command surface the bot feeds.
type Dispatcher interface {
	HandleText(ctx context.Context, actor int64, text string)
	HandleCallback(ctx context.Context, actor int64, messageID int, data string)
	HandleContact(ctx context.Context, actor, contactID int64)
	HandlePhoto(ctx context.Context, actor int64, image []byte)
	SendSchedule(ctx context.Context, actor int64)
	SendReport(ctx context.Context, actor int64)
	SOS(ctx context.Context, actor int64)
	SetLinkMode(actor int64, mode dispatch.LinkMode)
}

// Config holds Telegram bot configuration
type Config struct {
	Token     string
	AllowList []int64 // Allowed user IDs (empty = allow all)
}

// Bot long-polls Telegram for updates. It also implements
// messaging.Messenger so the scheduled jobs can reach patients.
type Bot struct {
	api        *tgbotapi.BotAPI
	oracle     inference.Oracle
	dispatcher Dispatcher
	logger     *zap.Logger
	limiter    *rate.Limiter
	allowList  map[int64]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ messaging.Messenger = (*Bot)(nil)

// NewBot creates a new Telegram bot. The dispatcher is attached later with
// SetDispatcher since it needs the bot as its messenger.
func NewBot(cfg Config, oracle inference.Oracle, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = false

	logger.Info("authorized on Telegram", zap.String("account", api.Self.UserName))

	allowList := make(map[int64]bool)
	for _, id := range cfg.AllowList {
		allowList[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bot{
		api:       api,
		oracle:    oracle,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(25), 5), // Telegram caps ~30 msg/s
		allowList: allowList,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetDispatcher wires the command surface. Must be called before Start.
func (b *Bot) SetDispatcher(d Dispatcher) {
	b.dispatcher = d
}

// Start begins long polling.
func (b *Bot) Start() error {
	if b.dispatcher == nil {
		return fmt.Errorf("dispatcher not set")
	}

	b.wg.Add(1)
	go b.run()
	return nil
}

// Stop stops polling and waits for in-flight handlers.
func (b *Bot) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bot) run() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(update); err != nil {
				b.logger.Error("failed to handle update", zap.Error(err))
			}
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.CallbackQuery != nil {
		return b.handleCallback(update.CallbackQuery)
	}

	if update.Message == nil {
		return nil
	}
	msg := update.Message
	userID := msg.From.ID

	if len(b.allowList) > 0 && !b.allowList[userID] {
		_, err := b.Send(b.ctx, msg.Chat.ID, "⛔ You are not authorized to use this bot.")
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, 60*time.Second)
	defer cancel()

	switch {
	case msg.IsCommand():
		return b.handleCommand(ctx, msg)
	case msg.Contact != nil:
		b.dispatcher.HandleContact(ctx, userID, msg.Contact.UserID)
		return nil
	case msg.Voice != nil:
		return b.handleVoice(ctx, msg)
	case len(msg.Photo) > 0:
		return b.handlePhoto(ctx, msg)
	case msg.Text != "":
		b.typing(msg.Chat.ID)
		b.dispatcher.HandleText(ctx, userID, msg.Text)
		return nil
	}
	return nil
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	switch msg.Command() {
	case "start":
		_, err := b.Send(ctx, chatID, `👋 *MedAssist*

I keep track of your medications and remind you when it's time.

Tell me things in your own words:
• "Take 5mg of Lisinopril every morning"
• "I took my pills"
• "Doctor's appointment Tuesday at 11:30"

You can also send a photo of a prescription, or a voice message.

Use /help to see everything I can do.`)
		return err

	case "help":
		_, err := b.Send(ctx, chatID, `*Commands:*

/meds - Show your medication schedule
/report - Your adherence over the last week
/caregiver - Link a caregiver (then share their contact)
/patient - Become someone's caregiver (then share their contact)
/sos - Alert your caregiver immediately

*Or just talk to me:*
• Add, change or remove medications
• Log doses you took or missed
• Record blood pressure and other readings
• Note upcoming appointments`)
		return err

	case "meds":
		b.dispatcher.SendSchedule(ctx, userID)
		return nil

	case "report":
		b.dispatcher.SendReport(ctx, userID)
		return nil

	case "sos":
		b.dispatcher.SOS(ctx, userID)
		return nil

	case "caregiver":
		b.dispatcher.SetLinkMode(userID, dispatch.LinkModeCaregiver)
		_, err := b.Send(ctx, chatID, "Share your caregiver's contact card and I'll link them.")
		return err

	case "patient":
		b.dispatcher.SetLinkMode(userID, dispatch.LinkModePatient)
		_, err := b.Send(ctx, chatID, "Share the patient's contact card. They'll be asked to approve you.")
		return err

	default:
		_, err := b.Send(ctx, chatID, "❓ Unknown command. Use /help for available commands.")
		return err
	}
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) error {
	// Ack first so the client stops its spinner.
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Warn("callback ack failed", zap.Error(err))
	}

	if cb.Message == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	b.dispatcher.HandleCallback(ctx, cb.From.ID, cb.Message.MessageID, cb.Data)
	return nil
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) error {
	b.typing(msg.Chat.ID)

	audio, err := b.downloadFile(msg.Voice.FileID)
	if err != nil {
		b.logger.Error("failed to download voice note", zap.Error(err))
		_, sendErr := b.Send(ctx, msg.Chat.ID, "❌ I couldn't fetch that voice message. Please try again.")
		return sendErr
	}

	text, err := b.oracle.Transcribe(ctx, audio)
	if err != nil || text == "" {
		b.logger.Warn("transcription failed", zap.Error(err))
		_, sendErr := b.Send(ctx, msg.Chat.ID, "❌ I couldn't understand that recording. Please try again or type instead.")
		return sendErr
	}

	if _, err := b.Send(ctx, msg.Chat.ID, fmt.Sprintf("🎙️ I heard: %q", text)); err != nil {
		b.logger.Warn("failed to echo transcription", zap.Error(err))
	}

	b.dispatcher.HandleText(ctx, msg.From.ID, text)
	return nil
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) error {
	b.typing(msg.Chat.ID)

	// The last entry is the highest resolution.
	photo := msg.Photo[len(msg.Photo)-1]

	image, err := b.downloadFile(photo.FileID)
	if err != nil {
		b.logger.Error("failed to download photo", zap.Error(err))
		_, sendErr := b.Send(ctx, msg.Chat.ID, "❌ I couldn't fetch that photo. Please try again.")
		return sendErr
	}

	b.dispatcher.HandlePhoto(ctx, msg.From.ID, image)
	return nil
}

// downloadFile fetches a Telegram file into memory.
func (b *Bot) downloadFile(fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	resp, err := http.Get(file.Link(b.api.Token))
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed (status %d)", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 20*1024*1024))
}

func (b *Bot) typing(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("typing indicator failed", zap.Error(err))
	}
}

// ==================== messaging.Messenger ====================

// Send delivers a message, optionally with inline buttons, and returns the
// message ID. Markdown that Telegram rejects is retried as plain text.
func (b *Bot) Send(ctx context.Context, recipient int64, text string, buttons ...messaging.Button) (int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(recipient, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if len(buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, btn := range buttons {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

// Edit rewrites an earlier message, dropping its buttons.
func (b *Bot) Edit(ctx context.Context, recipient int64, messageID int, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(recipient, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}
