package adherence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/store"
)

// Reconciler closes out each day shortly before midnight: doses that were
// scheduled earlier today but never logged as taken become missed entries,
// and finished courses are removed. Missed backfills never page the
// caregiver; escalation is reserved for an explicit skip.
type Reconciler struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	loc     *time.Location

	now func() time.Time
}

// NewReconciler creates the end-of-day reconciler.
func NewReconciler(st *store.Store, mt *metrics.Metrics, logger *zap.Logger, loc *time.Location) *Reconciler {
	return &Reconciler{
		store:   st,
		metrics: mt,
		logger:  logger,
		loc:     loc,
		now:     time.Now,
	}
}

// Reconcile backfills missed doses for today, then expires ended courses.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	now := r.now().In(r.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	meds, err := r.store.ListActiveMedications()
	if err != nil {
		return fmt.Errorf("failed to list medications: %w", err)
	}

	for _, med := range meds {
		due, err := time.ParseInLocation("15:04", med.Schedule, r.loc)
		if err != nil {
			r.logger.Warn("unparseable schedule time",
				zap.Uint("medication", med.ID), zap.String("schedule", med.Schedule))
			continue
		}
		dueAt := time.Date(now.Year(), now.Month(), now.Day(), due.Hour(), due.Minute(), 0, 0, r.loc)
		if dueAt.After(now) {
			continue
		}

		taken, err := r.store.HasTakenLog(med.ID, dayStart, dayEnd)
		if err != nil {
			r.logger.Error("failed to check intake",
				zap.Uint("medication", med.ID), zap.Error(err))
			continue
		}
		if taken {
			continue
		}

		medID := med.ID
		if err := r.store.CreateAdherenceLog(&store.AdherenceLog{
			PatientID:    med.PatientID,
			MedicationID: &medID,
			Status:       store.StatusMissed,
			Timestamp:    now,
		}); err != nil {
			r.logger.Error("failed to backfill missed dose",
				zap.Uint("medication", med.ID), zap.Error(err))
			continue
		}
		r.metrics.DosesLogged.WithLabelValues(store.StatusMissed).Inc()
	}

	return r.expireCourses(now)
}

// expireCourses deletes medications whose course has ended. Their
// adherence history stays so weekly reports remain truthful.
func (r *Reconciler) expireCourses(now time.Time) error {
	expired, err := r.store.ExpiredMedications(now)
	if err != nil {
		return fmt.Errorf("failed to list expired courses: %w", err)
	}

	for _, med := range expired {
		if err := r.store.ExpireMedication(med.ID); err != nil {
			r.logger.Error("failed to expire course",
				zap.Uint("medication", med.ID), zap.Error(err))
			continue
		}
		r.logger.Info("course finished",
			zap.Uint("medication", med.ID),
			zap.String("name", med.Name),
			zap.Int64("patient", med.PatientID))
	}
	return nil
}
