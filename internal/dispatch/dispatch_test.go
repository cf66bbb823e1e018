package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "github.com/glebarez/go-sqlite"

	"github.com/gmsas95/medassist/internal/adherence"
	"github.com/gmsas95/medassist/internal/caregiver"
	"github.com/gmsas95/medassist/internal/confirm"
	"github.com/gmsas95/medassist/internal/inference"
	"github.com/gmsas95/medassist/internal/messaging"
	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/store"
)

const (
	patientID   = int64(100)
	caregiverID = int64(200)
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	st, err := store.NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type sentMessage struct {
	Recipient int64
	Text      string
	Buttons   []messaging.Button
}

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []sentMessage
	edits []sentMessage
}

func (f *fakeMessenger) Send(ctx context.Context, recipient int64, text string, buttons ...messaging.Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Recipient: recipient, Text: text, Buttons: buttons})
	return len(f.sent), nil
}

func (f *fakeMessenger) Edit(ctx context.Context, recipient int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{Recipient: recipient, Text: text})
	return nil
}

func (f *fakeMessenger) to(recipient int64) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Recipient == recipient {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMessenger) lastEdit(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.edits)
	return f.edits[len(f.edits)-1]
}

type fakeOracle struct {
	cmd        inference.Command
	parseErr   error
	verdict    inference.DosageVerdict
	verdictErr error
	scanned    []inference.ProposedMedication
	scanErr    error
}

func (f *fakeOracle) ParseIntent(ctx context.Context, text string) (inference.Command, error) {
	return f.cmd, f.parseErr
}

func (f *fakeOracle) CheckDosage(ctx context.Context, name, dosage string) (inference.DosageVerdict, error) {
	return f.verdict, f.verdictErr
}

func (f *fakeOracle) AnalyzePrescription(ctx context.Context, image []byte) ([]inference.ProposedMedication, error) {
	return f.scanned, f.scanErr
}

func (f *fakeOracle) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return "", errors.New("not used in dispatch tests")
}

func newDispatcher(t *testing.T, oracle *fakeOracle) (*Dispatcher, *store.Store, *fakeMessenger) {
	t.Helper()

	st := setupTestStore(t)
	msgr := &fakeMessenger{}
	m := metrics.New()
	logg := zap.NewNop()

	d := New(Options{
		Store:          st,
		Oracle:         oracle,
		Messenger:      msgr,
		Caregivers:     caregiver.New(st, msgr, m, logg),
		Aggregator:     adherence.NewAggregator(st, msgr, m, logg),
		DosageConfirms: confirm.NewStore(30*time.Minute, m.PendingConfirms),
		ImportConfirms: confirm.NewStore(30*time.Minute, m.PendingConfirms),
		Metrics:        m,
		Logger:         logg,
		Location:       time.UTC,
		Snooze:         10 * time.Minute,
	})
	return d, st, msgr
}

func TestAddMedicationEndToEnd(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind:      inference.KindAddMedication,
			Name:      "Lisinopril",
			Dosage:    "5mg",
			Frequency: "daily",
		},
		verdict: inference.DosageVerdict{Safe: true},
	}
	d, st, msgr := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "take 5mg of lisinopril daily")

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "Lisinopril", meds[0].Name)
	assert.Equal(t, "09:00", meds[0].Schedule)
	assert.Equal(t, 1, meds[0].Frequency)
	assert.Nil(t, meds[0].EndDate)

	replies := msgr.to(patientID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Lisinopril")
}

func TestAddMedicationInfersBedtime(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind: inference.KindAddMedication,
			Name: "Melatonin",
		},
		verdict: inference.DosageVerdict{Safe: true},
	}
	d, st, _ := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "add melatonin")

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "22:00", meds[0].Schedule)
}

func TestAddMedicationWithDurationSetsEndDate(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind:         inference.KindAddMedication,
			Name:         "Amoxicillin",
			DurationDays: 7,
		},
		verdict: inference.DosageVerdict{Safe: true},
	}
	d, st, _ := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "amoxicillin for a week")

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	require.Len(t, meds, 1)
	require.NotNil(t, meds[0].EndDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 7), *meds[0].EndDate, time.Minute)
}

func TestUnsafeDosageRequiresConfirmation(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind:   inference.KindAddMedication,
			Name:   "Lisinopril",
			Dosage: "500mg",
		},
		verdict: inference.DosageVerdict{Safe: false, Warning: "500mg is far above the usual maximum"},
	}
	d, st, msgr := newDispatcher(t, oracle)
	ctx := context.Background()

	d.HandleText(ctx, patientID, "take 500mg of lisinopril")

	// Nothing saved yet, only the warning prompt.
	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	assert.Empty(t, meds)

	prompts := msgr.to(patientID)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].Text, "500mg is far above")
	require.Len(t, prompts[0].Buttons, 2)

	// Confirming materializes the proposal.
	d.HandleCallback(ctx, patientID, 1, prompts[0].Buttons[0].Data)

	meds, err = st.ListMedications(patientID)
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "Lisinopril", meds[0].Name)
}

func TestStaleConfirmationToken(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind:   inference.KindAddMedication,
			Name:   "Lisinopril",
			Dosage: "500mg",
		},
		verdict: inference.DosageVerdict{Safe: false, Warning: "too high"},
	}
	d, st, msgr := newDispatcher(t, oracle)
	ctx := context.Background()

	d.HandleText(ctx, patientID, "take 500mg of lisinopril")
	first := msgr.to(patientID)[0].Buttons[0].Data

	// A second proposal replaces the first; its token goes stale.
	d.HandleText(ctx, patientID, "take 500mg of lisinopril")

	d.HandleCallback(ctx, patientID, 1, first)
	assert.Contains(t, msgr.lastEdit(t).Text, "expired")

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	assert.Empty(t, meds)
}

func TestDosageCheckFailureDoesNotBlockAdd(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind: inference.KindAddMedication,
			Name: "Lisinopril",
		},
		verdictErr: errors.New("oracle down"),
	}
	d, st, _ := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "add lisinopril")

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	assert.Len(t, meds, 1)
}

func TestParseFailureFallsBackToHelp(t *testing.T) {
	oracle := &fakeOracle{parseErr: errors.New("oracle down")}
	d, _, msgr := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "mumble")

	replies := msgr.to(patientID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "didn't catch")
}

func TestRemoveMedicationCascades(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{Kind: inference.KindRemoveMedication, Name: "lisinopril"},
	}
	d, st, _ := newDispatcher(t, oracle)

	med := &store.Medication{PatientID: patientID, Name: "Lisinopril", Schedule: "09:00", Frequency: 1, ReminderEnabled: true}
	require.NoError(t, st.CreateMedication(med))
	medID := med.ID
	require.NoError(t, st.CreateAdherenceLog(&store.AdherenceLog{
		PatientID: patientID, MedicationID: &medID, Status: store.StatusTaken, Timestamp: time.Now(),
	}))

	d.HandleText(context.Background(), patientID, "remove lisinopril")

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	assert.Empty(t, meds)

	taken, err := st.CountLogs(patientID, store.StatusTaken, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, taken)
}

func TestRemoveUnknownMedication(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{Kind: inference.KindRemoveMedication, Name: "nothing"},
	}
	d, _, msgr := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "remove nothing")

	replies := msgr.to(patientID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "couldn't find")
}

func TestLogIntakeResolvesMedication(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{Kind: inference.KindLogIntake, Name: "lisinopril"},
	}
	d, st, msgr := newDispatcher(t, oracle)

	med := &store.Medication{PatientID: patientID, Name: "Lisinopril", Schedule: "09:00", Frequency: 1, ReminderEnabled: true}
	require.NoError(t, st.CreateMedication(med))

	d.HandleText(context.Background(), patientID, "I took my lisinopril")

	taken, err := st.CountLogs(patientID, store.StatusTaken, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), taken)

	replies := msgr.to(patientID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Lisinopril")
}

func TestTakeButton(t *testing.T) {
	d, st, msgr := newDispatcher(t, &fakeOracle{})

	med := &store.Medication{PatientID: patientID, Name: "Lisinopril", Schedule: "09:00", Frequency: 1, ReminderEnabled: true}
	require.NoError(t, st.CreateMedication(med))

	d.HandleCallback(context.Background(), patientID, 7, "take:1")

	taken, err := st.CountLogs(patientID, store.StatusTaken, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), taken)
	assert.Contains(t, msgr.lastEdit(t).Text, "taken")
}

func TestSkipButtonEscalates(t *testing.T) {
	d, st, msgr := newDispatcher(t, &fakeOracle{})

	require.NoError(t, st.UpsertCaregiver(patientID, caregiverID))
	med := &store.Medication{PatientID: patientID, Name: "Lisinopril", Schedule: "09:00", Frequency: 1, ReminderEnabled: true}
	require.NoError(t, st.CreateMedication(med))

	d.HandleCallback(context.Background(), patientID, 7, "skip:1")

	missed, err := st.CountLogs(patientID, store.StatusMissed, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), missed)

	alerts := msgr.to(caregiverID)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Text, "Lisinopril")
}

func TestSnoozeButtonWritesNoLog(t *testing.T) {
	d, st, msgr := newDispatcher(t, &fakeOracle{})

	med := &store.Medication{PatientID: patientID, Name: "Lisinopril", Schedule: "09:00", Frequency: 1, ReminderEnabled: true}
	require.NoError(t, st.CreateMedication(med))

	d.HandleCallback(context.Background(), patientID, 7, "snooze:1")

	got, err := st.GetMedication(med.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SnoozedUntil)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), *got.SnoozedUntil, time.Minute)

	taken, err := st.CountLogs(patientID, store.StatusTaken, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	missed, err := st.CountLogs(patientID, store.StatusMissed, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, taken)
	assert.Zero(t, missed)

	assert.Contains(t, msgr.lastEdit(t).Text, "10 minutes")
}

func TestReminderButtonForDeletedMedication(t *testing.T) {
	d, _, msgr := newDispatcher(t, &fakeOracle{})

	d.HandleCallback(context.Background(), patientID, 7, "take:99")
	assert.Contains(t, msgr.lastEdit(t).Text, "no longer")
}

func TestPhotoImportConfirm(t *testing.T) {
	oracle := &fakeOracle{
		scanned: []inference.ProposedMedication{
			{Name: "Metformin", Dosage: "500mg", Frequency: "daily"},
			{Name: "Atorvastatin", Dosage: "20mg", Time: "21:00"},
		},
	}
	d, st, msgr := newDispatcher(t, oracle)
	ctx := context.Background()

	d.HandlePhoto(ctx, patientID, []byte{0xff, 0xd8})

	prompts := msgr.to(patientID)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].Text, "Metformin")
	assert.Contains(t, prompts[0].Text, "Atorvastatin")
	require.Len(t, prompts[0].Buttons, 2)

	d.HandleCallback(ctx, patientID, 1, prompts[0].Buttons[0].Data)

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	require.Len(t, meds, 2)

	statin, err := st.FindMedicationByName(patientID, "atorvastatin")
	require.NoError(t, err)
	require.NotNil(t, statin)
	assert.Equal(t, "21:00", statin.Schedule)
}

func TestPhotoImportCancel(t *testing.T) {
	oracle := &fakeOracle{
		scanned: []inference.ProposedMedication{{Name: "Metformin"}},
	}
	d, st, msgr := newDispatcher(t, oracle)
	ctx := context.Background()

	d.HandlePhoto(ctx, patientID, []byte{0xff, 0xd8})
	prompts := msgr.to(patientID)
	require.Len(t, prompts, 1)

	d.HandleCallback(ctx, patientID, 1, prompts[0].Buttons[1].Data)

	meds, err := st.ListMedications(patientID)
	require.NoError(t, err)
	assert.Empty(t, meds)
	assert.Contains(t, msgr.lastEdit(t).Text, "Cancelled")
}

func TestCaregiverMasquerade(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{Kind: inference.KindQuerySchedule},
	}
	d, st, msgr := newDispatcher(t, oracle)

	require.NoError(t, st.UpsertCaregiver(patientID, caregiverID))
	require.NoError(t, st.CreateMedication(&store.Medication{
		PatientID: patientID, Name: "Lisinopril", Schedule: "09:00", Frequency: 1, ReminderEnabled: true,
	}))

	// The caregiver asks; they see the patient's regimen.
	d.HandleText(context.Background(), caregiverID, "what does my mother take?")

	replies := msgr.to(caregiverID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "• Lisinopril: daily at 09:00")
}

func TestContactWithoutModeIsRejected(t *testing.T) {
	d, st, msgr := newDispatcher(t, &fakeOracle{})

	d.HandleContact(context.Background(), patientID, caregiverID)

	link, err := st.GetCaregiver(patientID)
	require.NoError(t, err)
	assert.Nil(t, link)

	replies := msgr.to(patientID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "/caregiver")
}

func TestContactInCaregiverModeLinks(t *testing.T) {
	d, st, _ := newDispatcher(t, &fakeOracle{})
	ctx := context.Background()

	d.SetLinkMode(patientID, LinkModeCaregiver)
	d.HandleContact(ctx, patientID, caregiverID)

	link, err := st.GetCaregiver(patientID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, caregiverID, link.CaregiverID)

	// The mode is consumed; a second contact needs a fresh command.
	d.HandleContact(ctx, patientID, 300)
	link, err = st.GetCaregiver(patientID)
	require.NoError(t, err)
	assert.Equal(t, caregiverID, link.CaregiverID)
}

func TestContactInPatientModeNeedsAcceptance(t *testing.T) {
	d, st, msgr := newDispatcher(t, &fakeOracle{})
	ctx := context.Background()

	d.SetLinkMode(caregiverID, LinkModePatient)
	d.HandleContact(ctx, caregiverID, patientID)

	// Not linked until the patient presses Allow.
	link, err := st.GetCaregiver(patientID)
	require.NoError(t, err)
	assert.Nil(t, link)

	prompts := msgr.to(patientID)
	require.Len(t, prompts, 1)
	require.Len(t, prompts[0].Buttons, 2)

	d.HandleCallback(ctx, patientID, 1, prompts[0].Buttons[0].Data)

	link, err = st.GetCaregiver(patientID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, caregiverID, link.CaregiverID)
}

func TestSOSEscalates(t *testing.T) {
	oracle := &fakeOracle{cmd: inference.Command{Kind: inference.KindSOS}}
	d, st, msgr := newDispatcher(t, oracle)

	require.NoError(t, st.UpsertCaregiver(patientID, caregiverID))

	d.HandleText(context.Background(), patientID, "help me")

	require.Len(t, msgr.to(caregiverID), 1)
	replies := msgr.to(patientID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "caregiver")
}

func TestAddAppointment(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{
			Kind:     inference.KindAddAppointment,
			Title:    "Cardiologist",
			DateTime: "2026-09-15 11:30",
		},
	}
	d, st, _ := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "cardiologist on the 15th at 11:30")

	appts, err := st.ListAppointments(patientID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, "Cardiologist", appts[0].Title)
	assert.Equal(t, 11, appts[0].DateTime.UTC().Hour())
}

func TestCancelAppointment(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{Kind: inference.KindCancelAppointment, Title: "cardio"},
	}
	d, st, _ := newDispatcher(t, oracle)

	require.NoError(t, st.CreateAppointment(&store.Appointment{
		PatientID: patientID, Title: "Cardiologist", DateTime: time.Now().AddDate(0, 0, 3),
	}))

	d.HandleText(context.Background(), patientID, "cancel the cardiologist")

	appts, err := st.ListAppointments(patientID)
	require.NoError(t, err)
	assert.Empty(t, appts)
}

func TestLogHealth(t *testing.T) {
	oracle := &fakeOracle{
		cmd: inference.Command{Kind: inference.KindLogHealth, Type: "blood pressure", Value: "120/80"},
	}
	d, st, _ := newDispatcher(t, oracle)

	d.HandleText(context.Background(), patientID, "my blood pressure is 120 over 80")

	logs, err := st.ListHealthLogs(patientID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "blood pressure", logs[0].Type)
	assert.Equal(t, "120/80", logs[0].Value)
}
