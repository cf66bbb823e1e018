// Package dispatch routes parsed patient commands and button presses to
// the stores and the caregiver protocol.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/adherence"
	"github.com/gmsas95/medassist/internal/caregiver"
	"github.com/gmsas95/medassist/internal/confirm"
	"github.com/gmsas95/medassist/internal/inference"
	"github.com/gmsas95/medassist/internal/messaging"
	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/schedule"
	"github.com/gmsas95/medassist/internal/store"
)

// Confirmation callback token prefixes.
const (
	ConfirmAddPrefix    = "cfmadd:"
	CancelAddPrefix     = "ccladd:"
	ConfirmImportPrefix = "cfmimp:"
	CancelImportPrefix  = "cclimp:"
)

// LinkMode disambiguates what a shared contact means. Telegram contacts
// carry no role, so the preceding command decides.
type LinkMode int

const (
	// LinkModeCaregiver means the patient is sharing their caregiver's contact.
	LinkModeCaregiver LinkMode = iota + 1
	// LinkModePatient means a prospective caregiver is sharing the patient's contact.
	LinkModePatient
)

// Subject is the resolved identity a command operates on. A linked
// caregiver acts on their patient's data.
type Subject struct {
	Actor       int64
	Effective   int64
	Masqueraded bool
}

// Dispatcher executes commands against the stores. It is channel-agnostic;
// the Telegram bot feeds it text, contacts, photos, and button data.
type Dispatcher struct {
	store          *store.Store
	oracle         inference.Oracle
	messenger      messaging.Messenger
	caregivers     *caregiver.Protocol
	aggregator     *adherence.Aggregator
	dosageConfirms *confirm.Store
	importConfirms *confirm.Store
	metrics        *metrics.Metrics
	logger         *zap.Logger
	loc            *time.Location
	snooze         time.Duration

	linkMu    sync.Mutex
	linkModes map[int64]LinkMode

	now func() time.Time
}

// Options carries the dispatcher's collaborators.
type Options struct {
	Store          *store.Store
	Oracle         inference.Oracle
	Messenger      messaging.Messenger
	Caregivers     *caregiver.Protocol
	Aggregator     *adherence.Aggregator
	DosageConfirms *confirm.Store
	ImportConfirms *confirm.Store
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	Location       *time.Location
	Snooze         time.Duration
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		store:          opts.Store,
		oracle:         opts.Oracle,
		messenger:      opts.Messenger,
		caregivers:     opts.Caregivers,
		aggregator:     opts.Aggregator,
		dosageConfirms: opts.DosageConfirms,
		importConfirms: opts.ImportConfirms,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		loc:            opts.Location,
		snooze:         opts.Snooze,
		linkModes:      make(map[int64]LinkMode),
		now:            time.Now,
	}
}

// ResolveSubject maps an actor to the patient their commands apply to.
func (d *Dispatcher) ResolveSubject(actor int64) Subject {
	link, err := d.store.GetPatientForCaregiver(actor)
	if err != nil {
		d.logger.Error("subject resolution failed", zap.Int64("actor", actor), zap.Error(err))
	}
	if link != nil {
		return Subject{Actor: actor, Effective: link.PatientID, Masqueraded: true}
	}
	return Subject{Actor: actor, Effective: actor}
}

// HandleText parses one free-form message and executes it. Oracle failures
// degrade to the unknown intent rather than surfacing an error.
func (d *Dispatcher) HandleText(ctx context.Context, actor int64, text string) {
	subject := d.ResolveSubject(actor)

	cmd, err := d.oracle.ParseIntent(ctx, text)
	if err != nil {
		d.logger.Warn("intent parsing failed", zap.Int64("actor", actor), zap.Error(err))
		cmd = inference.Command{Kind: inference.KindUnknown}
	}

	switch cmd.Kind {
	case inference.KindAddMedication:
		d.addMedication(ctx, subject, cmd)
	case inference.KindUpdateMedication:
		d.updateMedication(ctx, subject, cmd)
	case inference.KindRemoveMedication:
		d.removeMedication(ctx, subject, cmd)
	case inference.KindLogIntake:
		d.logIntake(ctx, subject, cmd)
	case inference.KindQuerySchedule:
		d.reply(ctx, subject.Actor, d.scheduleText(subject.Effective))
	case inference.KindAddAppointment:
		d.addAppointment(ctx, subject, cmd)
	case inference.KindCancelAppointment:
		d.cancelAppointment(ctx, subject, cmd)
	case inference.KindLogHealth:
		d.logHealth(ctx, subject, cmd)
	case inference.KindLinkCaregiver:
		d.reply(ctx, subject.Actor, "Use /caregiver and then share your caregiver's contact card.")
	case inference.KindSOS:
		d.SOS(ctx, actor)
	default:
		d.reply(ctx, subject.Actor,
			"I didn't catch that. Tell me things like \"take 5mg of Lisinopril daily\" or \"I took my pills\", or use /help.")
	}
}

// ==================== Medications ====================

func (d *Dispatcher) addMedication(ctx context.Context, subject Subject, cmd inference.Command) {
	if cmd.Name == "" {
		d.reply(ctx, subject.Actor, "Which medication should I add? Include the name, please.")
		return
	}

	proposed := &inference.ProposedMedication{
		Name:         cmd.Name,
		Dosage:       cmd.Dosage,
		Time:         cmd.Time,
		Frequency:    cmd.Frequency,
		DurationDays: cmd.DurationDays,
	}

	// Best effort: an unreachable oracle never blocks an add.
	verdict, err := d.oracle.CheckDosage(ctx, cmd.Name, cmd.Dosage)
	if err != nil {
		d.logger.Warn("dosage check unavailable", zap.String("medication", cmd.Name), zap.Error(err))
		verdict = inference.DosageVerdict{Safe: true}
	}

	if !verdict.Safe {
		token := d.dosageConfirms.Put(confirm.Pending{
			Owner:      subject.Effective,
			Medication: proposed,
			Warning:    verdict.Warning,
		})
		text := fmt.Sprintf("⚠️ %s\n\nAdd %s %s anyway?", verdict.Warning, proposed.Name, proposed.Dosage)
		if _, err := d.messenger.Send(ctx, subject.Actor, text,
			messaging.Button{Label: "Add anyway", Data: ConfirmAddPrefix + token},
			messaging.Button{Label: "Cancel", Data: CancelAddPrefix + token},
		); err != nil {
			d.logger.Error("failed to send confirmation prompt", zap.Error(err))
		}
		return
	}

	med, err := d.materialize(subject.Effective, proposed)
	if err != nil {
		d.logger.Error("failed to add medication", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't save that. Please try again.")
		return
	}
	d.reply(ctx, subject.Actor, addedText(med))
}

// materialize normalizes a proposal and writes it. All loose text becomes
// canonical here, never earlier.
func (d *Dispatcher) materialize(patientID int64, p *inference.ProposedMedication) (*store.Medication, error) {
	med := &store.Medication{
		PatientID:       patientID,
		Name:            p.Name,
		Dosage:          p.Dosage,
		Schedule:        schedule.NormalizeTime(p.Time, p.Name),
		Frequency:       schedule.NormalizeFrequency(p.Frequency),
		ReminderEnabled: true,
	}
	if p.DurationDays > 0 {
		end := d.now().In(d.loc).AddDate(0, 0, p.DurationDays)
		med.EndDate = &end
	}
	if err := d.store.CreateMedication(med); err != nil {
		return nil, err
	}
	return med, nil
}

func addedText(med *store.Medication) string {
	text := fmt.Sprintf("Added %s", med.Name)
	if med.Dosage != "" {
		text += " " + med.Dosage
	}
	switch med.Frequency {
	case 1:
		text += fmt.Sprintf(", daily at %s.", med.Schedule)
	case 7:
		text += fmt.Sprintf(", weekly at %s.", med.Schedule)
	default:
		text += fmt.Sprintf(", every %d days at %s.", med.Frequency, med.Schedule)
	}
	return text
}

func (d *Dispatcher) updateMedication(ctx context.Context, subject Subject, cmd inference.Command) {
	med, err := d.store.FindMedicationByName(subject.Effective, cmd.Name)
	if err != nil {
		d.logger.Error("medication lookup failed", zap.Error(err))
		return
	}
	if med == nil {
		d.reply(ctx, subject.Actor, fmt.Sprintf("I couldn't find %q in the medication list.", cmd.Name))
		return
	}

	if cmd.Dosage != "" {
		med.Dosage = cmd.Dosage
	}
	if cmd.Time != "" {
		med.Schedule = schedule.NormalizeTime(cmd.Time, med.Name)
	}
	if cmd.Frequency != "" {
		med.Frequency = schedule.NormalizeFrequency(cmd.Frequency)
	}
	if cmd.DurationDays > 0 {
		end := d.now().In(d.loc).AddDate(0, 0, cmd.DurationDays)
		med.EndDate = &end
	}

	if err := d.store.UpdateMedication(med); err != nil {
		d.logger.Error("failed to update medication", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't save that change.")
		return
	}
	d.reply(ctx, subject.Actor, fmt.Sprintf("Updated %s: %s at %s.", med.Name, med.Dosage, med.Schedule))
}

func (d *Dispatcher) removeMedication(ctx context.Context, subject Subject, cmd inference.Command) {
	med, err := d.store.FindMedicationByName(subject.Effective, cmd.Name)
	if err != nil {
		d.logger.Error("medication lookup failed", zap.Error(err))
		return
	}
	if med == nil {
		d.reply(ctx, subject.Actor, fmt.Sprintf("I couldn't find %q in the medication list.", cmd.Name))
		return
	}

	// An explicit removal takes the history with it. Course expiry keeps it.
	if err := d.store.DeleteMedication(med.ID); err != nil {
		d.logger.Error("failed to remove medication", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't remove that.")
		return
	}
	d.reply(ctx, subject.Actor, fmt.Sprintf("Removed %s and its history.", med.Name))
}

// ==================== Intake and health ====================

func (d *Dispatcher) logIntake(ctx context.Context, subject Subject, cmd inference.Command) {
	status := cmd.Status
	if status != store.StatusMissed {
		status = store.StatusTaken
	}

	log := &store.AdherenceLog{
		PatientID: subject.Effective,
		Status:    status,
		Timestamp: d.now(),
	}

	label := "your medication"
	if cmd.Name != "" {
		med, err := d.store.FindMedicationByName(subject.Effective, cmd.Name)
		if err != nil {
			d.logger.Error("medication lookup failed", zap.Error(err))
		}
		if med != nil {
			medID := med.ID
			log.MedicationID = &medID
			label = med.Name
		} else {
			label = cmd.Name
		}
	}

	if err := d.store.CreateAdherenceLog(log); err != nil {
		d.logger.Error("failed to log intake", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't log that.")
		return
	}
	d.metrics.DosesLogged.WithLabelValues(status).Inc()

	if status == store.StatusTaken {
		d.reply(ctx, subject.Actor, fmt.Sprintf("Logged %s as taken. 👍", label))
	} else {
		d.reply(ctx, subject.Actor, fmt.Sprintf("Logged %s as missed.", label))
	}
}

func (d *Dispatcher) logHealth(ctx context.Context, subject Subject, cmd inference.Command) {
	if cmd.Value == "" {
		d.reply(ctx, subject.Actor, "What reading should I record? For example \"blood pressure 120 over 80\".")
		return
	}

	entry := &store.HealthLog{
		PatientID: subject.Effective,
		Type:      cmd.Type,
		Value:     cmd.Value,
		Timestamp: d.now(),
	}
	if entry.Type == "" {
		entry.Type = "note"
	}

	if err := d.store.CreateHealthLog(entry); err != nil {
		d.logger.Error("failed to log health entry", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't record that.")
		return
	}
	d.reply(ctx, subject.Actor, fmt.Sprintf("Recorded %s: %s.", entry.Type, entry.Value))
}

// ==================== Appointments ====================

func (d *Dispatcher) addAppointment(ctx context.Context, subject Subject, cmd inference.Command) {
	when, err := d.parseDateTime(cmd.DateTime)
	if err != nil {
		d.reply(ctx, subject.Actor, "When is the appointment? Please include a date and time.")
		return
	}

	title := cmd.Title
	if title == "" {
		title = "Appointment"
	}

	if err := d.store.CreateAppointment(&store.Appointment{
		PatientID: subject.Effective,
		Title:     title,
		DateTime:  when,
	}); err != nil {
		d.logger.Error("failed to add appointment", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't save the appointment.")
		return
	}
	d.reply(ctx, subject.Actor,
		fmt.Sprintf("Noted: %s on %s. I'll remind you the day before.", title, when.In(d.loc).Format("Monday, Jan 2 at 15:04")))
}

func (d *Dispatcher) cancelAppointment(ctx context.Context, subject Subject, cmd inference.Command) {
	appt, err := d.store.FindAppointmentByTitle(subject.Effective, cmd.Title)
	if err != nil {
		d.logger.Error("appointment lookup failed", zap.Error(err))
		return
	}
	if appt == nil {
		d.reply(ctx, subject.Actor, fmt.Sprintf("I couldn't find an appointment matching %q.", cmd.Title))
		return
	}

	if err := d.store.DeleteAppointment(appt.ID); err != nil {
		d.logger.Error("failed to cancel appointment", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't cancel that.")
		return
	}
	d.reply(ctx, subject.Actor, fmt.Sprintf("Cancelled %s.", appt.Title))
}

func (d *Dispatcher) parseDateTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, raw, d.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", raw)
}

// ==================== Buttons ====================

// HandleCallback executes one button press. data is the raw callback token.
func (d *Dispatcher) HandleCallback(ctx context.Context, actor int64, messageID int, data string) {
	switch {
	case strings.HasPrefix(data, adherence.TakePrefix):
		d.reminderResponse(ctx, actor, messageID, strings.TrimPrefix(data, adherence.TakePrefix), store.StatusTaken)
	case strings.HasPrefix(data, adherence.SkipPrefix):
		d.reminderResponse(ctx, actor, messageID, strings.TrimPrefix(data, adherence.SkipPrefix), store.StatusMissed)
	case strings.HasPrefix(data, adherence.SnoozePrefix):
		d.snoozeReminder(ctx, actor, messageID, strings.TrimPrefix(data, adherence.SnoozePrefix))
	case strings.HasPrefix(data, caregiver.AcceptPrefix):
		d.acceptCaregiver(ctx, actor, messageID, strings.TrimPrefix(data, caregiver.AcceptPrefix))
	case strings.HasPrefix(data, caregiver.DenyPrefix):
		d.edit(ctx, actor, messageID, "Request denied. Nothing was changed.")
	case strings.HasPrefix(data, ConfirmAddPrefix):
		d.confirmAdd(ctx, actor, messageID, strings.TrimPrefix(data, ConfirmAddPrefix))
	case strings.HasPrefix(data, CancelAddPrefix):
		d.cancelPending(ctx, actor, messageID, d.dosageConfirms, strings.TrimPrefix(data, CancelAddPrefix))
	case strings.HasPrefix(data, ConfirmImportPrefix):
		d.confirmImport(ctx, actor, messageID, strings.TrimPrefix(data, ConfirmImportPrefix))
	case strings.HasPrefix(data, CancelImportPrefix):
		d.cancelPending(ctx, actor, messageID, d.importConfirms, strings.TrimPrefix(data, CancelImportPrefix))
	default:
		d.logger.Warn("unrecognized callback", zap.String("data", data))
	}
}

func (d *Dispatcher) reminderResponse(ctx context.Context, actor int64, messageID int, rawID, status string) {
	id, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		d.logger.Warn("malformed callback id", zap.String("id", rawID))
		return
	}

	med, err := d.store.GetMedication(uint(id))
	if err != nil {
		d.logger.Error("medication lookup failed", zap.Error(err))
		return
	}
	if med == nil {
		d.edit(ctx, actor, messageID, "This medication is no longer on your list.")
		return
	}

	medID := med.ID
	if err := d.store.CreateAdherenceLog(&store.AdherenceLog{
		PatientID:    med.PatientID,
		MedicationID: &medID,
		Status:       status,
		Timestamp:    d.now(),
	}); err != nil {
		d.logger.Error("failed to log dose", zap.Error(err))
		return
	}
	d.metrics.DosesLogged.WithLabelValues(status).Inc()

	if status == store.StatusTaken {
		d.edit(ctx, actor, messageID, fmt.Sprintf("✅ %s logged as taken.", med.Name))
		return
	}

	d.edit(ctx, actor, messageID, fmt.Sprintf("❌ %s logged as missed.", med.Name))
	d.caregivers.EscalateMissedDose(ctx, med.PatientID, med.Name)
}

func (d *Dispatcher) snoozeReminder(ctx context.Context, actor int64, messageID int, rawID string) {
	id, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		d.logger.Warn("malformed callback id", zap.String("id", rawID))
		return
	}

	med, err := d.store.GetMedication(uint(id))
	if err != nil {
		d.logger.Error("medication lookup failed", zap.Error(err))
		return
	}
	if med == nil {
		d.edit(ctx, actor, messageID, "This medication is no longer on your list.")
		return
	}

	// Snoozing writes no adherence entry; the next reminder decides.
	if err := d.store.SetSnooze(med.ID, d.now().Add(d.snooze)); err != nil {
		d.logger.Error("failed to snooze", zap.Error(err))
		return
	}
	d.edit(ctx, actor, messageID,
		fmt.Sprintf("⏰ I'll remind you about %s again in %d minutes.", med.Name, int(d.snooze.Minutes())))
}

func (d *Dispatcher) acceptCaregiver(ctx context.Context, actor int64, messageID int, rawID string) {
	caregiverID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		d.logger.Warn("malformed callback id", zap.String("id", rawID))
		return
	}

	if err := d.caregivers.Accept(ctx, actor, caregiverID); err != nil {
		d.logger.Error("failed to accept caregiver", zap.Error(err))
		d.edit(ctx, actor, messageID, "Sorry, something went wrong. Please try again.")
		return
	}
	d.edit(ctx, actor, messageID, "✅ Caregiver linked. They will be alerted when you miss a dose.")
}

func (d *Dispatcher) confirmAdd(ctx context.Context, actor int64, messageID int, token string) {
	subject := d.ResolveSubject(actor)

	pending, err := d.dosageConfirms.Take(subject.Effective, token)
	if err != nil {
		d.edit(ctx, actor, messageID, "This confirmation has expired. Please add the medication again.")
		return
	}

	med, err := d.materialize(subject.Effective, pending.Medication)
	if err != nil {
		d.logger.Error("failed to add medication", zap.Error(err))
		d.edit(ctx, actor, messageID, "Sorry, I couldn't save that. Please try again.")
		return
	}
	d.edit(ctx, actor, messageID, addedText(med))
}

func (d *Dispatcher) confirmImport(ctx context.Context, actor int64, messageID int, token string) {
	subject := d.ResolveSubject(actor)

	pending, err := d.importConfirms.Take(subject.Effective, token)
	if err != nil {
		d.edit(ctx, actor, messageID, "This confirmation has expired. Please send the photo again.")
		return
	}

	added := 0
	for i := range pending.Import {
		if _, err := d.materialize(subject.Effective, &pending.Import[i]); err != nil {
			d.logger.Error("failed to import medication",
				zap.String("name", pending.Import[i].Name), zap.Error(err))
			continue
		}
		added++
	}
	d.edit(ctx, actor, messageID, fmt.Sprintf("✅ Added %d medication(s) from the prescription.", added))
}

func (d *Dispatcher) cancelPending(ctx context.Context, actor int64, messageID int, st *confirm.Store, token string) {
	subject := d.ResolveSubject(actor)
	if _, err := st.Take(subject.Effective, token); err != nil {
		d.edit(ctx, actor, messageID, "This confirmation has expired.")
		return
	}
	d.edit(ctx, actor, messageID, "Cancelled. Nothing was added.")
}

// ==================== Contacts and photos ====================

// SetLinkMode records what the next shared contact from this user means.
func (d *Dispatcher) SetLinkMode(actor int64, mode LinkMode) {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	d.linkModes[actor] = mode
}

func (d *Dispatcher) takeLinkMode(actor int64) (LinkMode, bool) {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	mode, ok := d.linkModes[actor]
	delete(d.linkModes, actor)
	return mode, ok
}

// HandleContact consumes a shared contact card according to the pending
// link mode.
func (d *Dispatcher) HandleContact(ctx context.Context, actor, contactID int64) {
	mode, ok := d.takeLinkMode(actor)
	if !ok {
		d.reply(ctx, actor, "Use /caregiver or /patient first so I know what this contact is for.")
		return
	}

	switch mode {
	case LinkModeCaregiver:
		if err := d.caregivers.LinkPatient(ctx, actor, contactID); err != nil {
			d.logger.Error("failed to link caregiver", zap.Error(err))
			d.reply(ctx, actor, "Sorry, I couldn't set up the link. Please try again.")
			return
		}
		d.reply(ctx, actor, "✅ Caregiver linked. They will be alerted when you miss a dose.")
	case LinkModePatient:
		if err := d.caregivers.RequestLink(ctx, actor, contactID); err != nil {
			d.logger.Error("failed to request link", zap.Error(err))
			d.reply(ctx, actor, "Sorry, I couldn't reach that person. Have they started the bot?")
			return
		}
		d.reply(ctx, actor, "I've asked the patient to approve you. You'll be linked once they accept.")
	}
}

// HandlePhoto runs a prescription photo through the oracle and proposes
// the extracted medications for bulk confirmation.
func (d *Dispatcher) HandlePhoto(ctx context.Context, actor int64, image []byte) {
	subject := d.ResolveSubject(actor)

	meds, err := d.oracle.AnalyzePrescription(ctx, image)
	if err != nil {
		d.logger.Warn("prescription analysis failed", zap.Error(err))
		d.reply(ctx, subject.Actor, "I couldn't read that photo. Try a sharper picture of the label.")
		return
	}
	if len(meds) == 0 {
		d.reply(ctx, subject.Actor, "I couldn't find any medications in that photo.")
		return
	}

	token := d.importConfirms.Put(confirm.Pending{
		Owner:  subject.Effective,
		Import: meds,
	})

	var b strings.Builder
	b.WriteString("I found these on the prescription:\n")
	for _, m := range meds {
		b.WriteString("\n• " + m.Name)
		if m.Dosage != "" {
			b.WriteString(" " + m.Dosage)
		}
	}
	b.WriteString("\n\nAdd them all?")

	if _, err := d.messenger.Send(ctx, subject.Actor, b.String(),
		messaging.Button{Label: "Add all", Data: ConfirmImportPrefix + token},
		messaging.Button{Label: "Cancel", Data: CancelImportPrefix + token},
	); err != nil {
		d.logger.Error("failed to send import prompt", zap.Error(err))
	}
}

// ==================== On-demand views ====================

// SendSchedule delivers the subject's current regimen to the actor.
func (d *Dispatcher) SendSchedule(ctx context.Context, actor int64) {
	subject := d.ResolveSubject(actor)
	d.reply(ctx, subject.Actor, d.scheduleText(subject.Effective))
}

func (d *Dispatcher) scheduleText(patientID int64) string {
	meds, err := d.store.ListMedications(patientID)
	if err != nil {
		d.logger.Error("failed to list medications", zap.Error(err))
		return "Sorry, I couldn't load the medication list."
	}
	if len(meds) == 0 {
		return "No medications yet. Tell me something like \"take 5mg of Lisinopril daily\"."
	}

	var b strings.Builder
	b.WriteString("💊 Current regimen:\n")
	for _, med := range meds {
		b.WriteString(fmt.Sprintf("\n• %s", med.Name))
		if med.Dosage != "" {
			b.WriteString(" " + med.Dosage)
		}
		switch med.Frequency {
		case 1:
			b.WriteString(fmt.Sprintf(": daily at %s", med.Schedule))
		case 7:
			b.WriteString(fmt.Sprintf(": weekly at %s", med.Schedule))
		default:
			b.WriteString(fmt.Sprintf(": every %d days at %s", med.Frequency, med.Schedule))
		}
		if med.EndDate != nil {
			b.WriteString(fmt.Sprintf(" until %s", med.EndDate.In(d.loc).Format("Jan 2")))
		}
	}
	return b.String()
}

// SendReport delivers the subject's weekly adherence report on demand.
func (d *Dispatcher) SendReport(ctx context.Context, actor int64) {
	subject := d.ResolveSubject(actor)
	report, err := d.aggregator.BuildReport(subject.Effective)
	if err != nil {
		d.logger.Error("failed to build report", zap.Error(err))
		d.reply(ctx, subject.Actor, "Sorry, I couldn't build the report.")
		return
	}
	d.reply(ctx, subject.Actor, report)
}

// SOS acknowledges the patient and pages their caregiver immediately.
func (d *Dispatcher) SOS(ctx context.Context, actor int64) {
	subject := d.ResolveSubject(actor)
	d.reply(ctx, subject.Actor, "🆘 Alerting your caregiver now.")
	d.caregivers.EscalateSOS(ctx, subject.Effective)
}

func (d *Dispatcher) reply(ctx context.Context, recipient int64, text string) {
	if _, err := d.messenger.Send(ctx, recipient, text); err != nil {
		d.logger.Error("reply delivery failed", zap.Int64("recipient", recipient), zap.Error(err))
	}
}

func (d *Dispatcher) edit(ctx context.Context, recipient int64, messageID int, text string) {
	if err := d.messenger.Edit(ctx, recipient, messageID, text); err != nil {
		d.logger.Error("message edit failed", zap.Int64("recipient", recipient), zap.Error(err))
	}
}
