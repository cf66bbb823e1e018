// Package caregiver implements the caregiver link and alert escalation.
package caregiver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/messaging"
	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/store"
)

// Callback tokens for the patient-side accept/deny prompt.
const (
	AcceptPrefix = "cgaccept:"
	DenyPrefix   = "cgdeny:"
)

// Protocol manages the patient-caregiver link and delivers alerts. Each
// patient has at most one caregiver; alerts are fire and forget.
type Protocol struct {
	store     *store.Store
	messenger messaging.Messenger
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates the caregiver protocol.
func New(st *store.Store, m messaging.Messenger, mt *metrics.Metrics, logger *zap.Logger) *Protocol {
	return &Protocol{store: st, messenger: m, metrics: mt, logger: logger}
}

// LinkPatient links a caregiver to a patient on the patient's say-so.
// Re-linking replaces the previous caregiver.
func (p *Protocol) LinkPatient(ctx context.Context, patientID, caregiverID int64) error {
	if err := p.store.UpsertCaregiver(patientID, caregiverID); err != nil {
		return fmt.Errorf("failed to link caregiver: %w", err)
	}

	p.logger.Info("caregiver linked",
		zap.Int64("patient", patientID),
		zap.Int64("caregiver", caregiverID))

	if _, err := p.messenger.Send(ctx, caregiverID,
		"You are now receiving medication alerts for a patient. Reply /patient to check who."); err != nil {
		p.logger.Warn("could not notify new caregiver", zap.Error(err))
	}
	return nil
}

// RequestLink asks a patient to approve a caregiver who initiated the link.
// Nothing is persisted until the patient accepts.
func (p *Protocol) RequestLink(ctx context.Context, caregiverID, patientID int64) error {
	_, err := p.messenger.Send(ctx, patientID,
		"Someone wants to receive alerts when you miss a dose. Allow them?",
		messaging.Button{Label: "Allow", Data: fmt.Sprintf("%s%d", AcceptPrefix, caregiverID)},
		messaging.Button{Label: "Deny", Data: fmt.Sprintf("%s%d", DenyPrefix, caregiverID)},
	)
	if err != nil {
		return fmt.Errorf("failed to send link request: %w", err)
	}
	return nil
}

// Accept finalizes a caregiver-initiated link after the patient approved it.
func (p *Protocol) Accept(ctx context.Context, patientID, caregiverID int64) error {
	return p.LinkPatient(ctx, patientID, caregiverID)
}

// EscalateMissedDose alerts the caregiver that the patient skipped a dose.
func (p *Protocol) EscalateMissedDose(ctx context.Context, patientID int64, medication string) {
	p.escalate(ctx, patientID,
		fmt.Sprintf("⚠️ Your patient skipped their %s dose just now.", medication))
}

// EscalateSOS alerts the caregiver that the patient pressed the emergency button.
func (p *Protocol) EscalateSOS(ctx context.Context, patientID int64) {
	p.escalate(ctx, patientID,
		"🆘 Your patient pressed the emergency button and needs help now.")
}

// escalate delivers an alert to the patient's caregiver. When no caregiver
// is linked the patient is told so. Delivery failures are logged, not
// retried; the adherence log already carries the ground truth.
func (p *Protocol) escalate(ctx context.Context, patientID int64, text string) {
	link, err := p.store.GetCaregiver(patientID)
	if err != nil {
		p.logger.Error("caregiver lookup failed", zap.Int64("patient", patientID), zap.Error(err))
		return
	}

	if link == nil {
		if _, err := p.messenger.Send(ctx, patientID,
			"No caregiver is linked to your account. Share a contact with /caregiver to add one."); err != nil {
			p.logger.Warn("could not inform patient about missing caregiver", zap.Error(err))
		}
		return
	}

	if _, err := p.messenger.Send(ctx, link.CaregiverID, text); err != nil {
		p.metrics.EscalationsFailed.Inc()
		p.logger.Error("escalation delivery failed",
			zap.Int64("patient", patientID),
			zap.Int64("caregiver", link.CaregiverID),
			zap.Error(err))
		return
	}

	p.metrics.Escalations.Inc()
}
