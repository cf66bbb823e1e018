// Package adherence implements the reminder, reconciliation, and reporting
// jobs that drive the medication schedule.
package adherence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/messaging"
	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/schedule"
	"github.com/gmsas95/medassist/internal/store"
)

// Callback token prefixes on reminder buttons.
const (
	TakePrefix   = "take:"
	SkipPrefix   = "skip:"
	SnoozePrefix = "snooze:"
)

// Scanner fires dose reminders. It runs once a minute and matches each
// medication's wall-clock time and frequency day gate; snoozed doses that
// have woken up fire regardless of the gate.
type Scanner struct {
	store     *store.Store
	messenger messaging.Messenger
	metrics   *metrics.Metrics
	logger    *zap.Logger
	loc       *time.Location

	// now is replaceable in tests.
	now func() time.Time
}

// NewScanner creates the minute scanner.
func NewScanner(st *store.Store, m messaging.Messenger, mt *metrics.Metrics, logger *zap.Logger, loc *time.Location) *Scanner {
	return &Scanner{
		store:     st,
		messenger: m,
		metrics:   mt,
		logger:    logger,
		loc:       loc,
		now:       time.Now,
	}
}

// Tick sends every reminder due this minute. A failed send for one
// medication never blocks the others.
func (s *Scanner) Tick(ctx context.Context) error {
	now := s.now().In(s.loc)
	hhmm := now.Format("15:04")

	meds, err := s.store.ListActiveMedications()
	if err != nil {
		return fmt.Errorf("failed to list medications: %w", err)
	}

	for _, med := range meds {
		woken := med.SnoozedUntil != nil && !now.Before(*med.SnoozedUntil)
		scheduled := med.Schedule == hhmm &&
			med.SnoozedUntil == nil &&
			schedule.DueOn(now, med.CreatedAt, med.Frequency, s.loc)

		if !woken && !scheduled {
			continue
		}

		if woken {
			if err := s.store.ClearSnooze(med.ID); err != nil {
				s.logger.Error("failed to clear snooze",
					zap.Uint("medication", med.ID), zap.Error(err))
				continue
			}
		}

		if err := s.remind(ctx, med); err != nil {
			s.metrics.RemindersFailed.Inc()
			s.logger.Error("reminder delivery failed",
				zap.Uint("medication", med.ID),
				zap.Int64("patient", med.PatientID),
				zap.Error(err))
			continue
		}
		s.metrics.RemindersSent.Inc()
	}

	return nil
}

func (s *Scanner) remind(ctx context.Context, med store.Medication) error {
	text := fmt.Sprintf("💊 Time for your %s", med.Name)
	if med.Dosage != "" {
		text += fmt.Sprintf(" (%s)", med.Dosage)
	}

	_, err := s.messenger.Send(ctx, med.PatientID, text,
		messaging.Button{Label: "✅ Taken", Data: fmt.Sprintf("%s%d", TakePrefix, med.ID)},
		messaging.Button{Label: "❌ Skip", Data: fmt.Sprintf("%s%d", SkipPrefix, med.ID)},
		messaging.Button{Label: "⏰ 10 min", Data: fmt.Sprintf("%s%d", SnoozePrefix, med.ID)},
	)
	return err
}
