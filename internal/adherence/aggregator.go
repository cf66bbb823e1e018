package adherence

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/messaging"
	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/store"
)

// Aggregator sends the Sunday-evening adherence summary to every patient
// with at least one medication, and a copy to their caregiver when linked.
type Aggregator struct {
	store     *store.Store
	messenger messaging.Messenger
	metrics   *metrics.Metrics
	logger    *zap.Logger

	now func() time.Time
}

// NewAggregator creates the weekly report job.
func NewAggregator(st *store.Store, m messaging.Messenger, mt *metrics.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:     st,
		messenger: m,
		metrics:   mt,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sends every patient their weekly report. One patient's delivery
// failure never blocks the rest.
func (a *Aggregator) Run(ctx context.Context) error {
	patients, err := a.store.PatientsWithMedications()
	if err != nil {
		return fmt.Errorf("failed to list patients: %w", err)
	}

	for _, patientID := range patients {
		report, err := a.BuildReport(patientID)
		if err != nil {
			a.logger.Error("failed to build report", zap.Int64("patient", patientID), zap.Error(err))
			continue
		}

		if _, err := a.messenger.Send(ctx, patientID, report); err != nil {
			a.logger.Error("report delivery failed", zap.Int64("patient", patientID), zap.Error(err))
			continue
		}
		a.metrics.ReportsSent.Inc()

		a.copyCaregiver(ctx, patientID, report)
	}
	return nil
}

func (a *Aggregator) copyCaregiver(ctx context.Context, patientID int64, report string) {
	link, err := a.store.GetCaregiver(patientID)
	if err != nil || link == nil {
		return
	}
	text := "Weekly report for your patient:\n\n" + report
	if _, err := a.messenger.Send(ctx, link.CaregiverID, text); err != nil {
		a.logger.Warn("caregiver report delivery failed",
			zap.Int64("caregiver", link.CaregiverID), zap.Error(err))
	}
}

// BuildReport renders the last seven days of adherence for one patient.
// Also used by the on-demand /report command.
func (a *Aggregator) BuildReport(patientID int64) (string, error) {
	since := a.now().AddDate(0, 0, -7)

	taken, err := a.store.CountLogs(patientID, store.StatusTaken, since)
	if err != nil {
		return "", err
	}
	missed, err := a.store.CountLogs(patientID, store.StatusMissed, since)
	if err != nil {
		return "", err
	}

	pct := Percentage(taken, missed)

	report := fmt.Sprintf(
		"📋 Weekly adherence report\n\nTaken: %d\nMissed: %d\nAdherence: %d%%",
		taken, missed, pct)

	switch {
	case taken == 0 && missed == 0:
		report += "\n\nNo doses were logged this week."
	case pct >= 90:
		report += "\n\nGreat week, keep it up! 🎉"
	case pct < 50:
		report += "\n\nMore than half the doses were missed. Consider talking to your doctor."
	}

	health, err := a.store.ListHealthLogs(patientID, since)
	if err != nil {
		return "", err
	}
	if len(health) > 0 {
		report += "\n\nReadings this week:"
		for _, entry := range health {
			report += fmt.Sprintf("\n• %s: %s (%s)",
				entry.Type, entry.Value, entry.Timestamp.Format("Mon 15:04"))
		}
	}
	return report, nil
}

// Percentage computes the adherence rate, 0 when nothing was logged.
func Percentage(taken, missed int64) int {
	total := taken + missed
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(taken) / float64(total) * 100))
}
