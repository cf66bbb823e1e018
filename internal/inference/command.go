// Package inference turns free-form patient input into structured commands
// using an OpenAI-compatible chat completion API.
package inference

import "context"

// Kind identifies what the patient asked for.
type Kind string

// Recognized intents. Anything the model cannot classify maps to KindUnknown.
const (
	KindAddMedication     Kind = "add_medication"
	KindUpdateMedication  Kind = "update_medication"
	KindRemoveMedication  Kind = "remove_medication"
	KindLogIntake         Kind = "log_intake"
	KindQuerySchedule     Kind = "query_schedule"
	KindAddAppointment    Kind = "add_appointment"
	KindCancelAppointment Kind = "cancel_appointment"
	KindLogHealth         Kind = "log_health"
	KindLinkCaregiver     Kind = "link_caregiver"
	KindSOS               Kind = "sos"
	KindUnknown           Kind = "unknown"
)

// Command is the structured form of one patient utterance. Only the fields
// relevant to the Kind are populated; everything arrives as loose text and
// is normalized downstream.
type Command struct {
	Kind         Kind   `json:"intent"`
	Name         string `json:"name,omitempty"`
	Dosage       string `json:"dosage,omitempty"`
	Time         string `json:"time,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	Status       string `json:"status,omitempty"`
	Title        string `json:"title,omitempty"`
	DateTime     string `json:"datetime,omitempty"`
	Type         string `json:"type,omitempty"`
	Value        string `json:"value,omitempty"`
}

// DosageVerdict is the safety check result for a proposed dose.
type DosageVerdict struct {
	Safe    bool   `json:"safe"`
	Warning string `json:"warning,omitempty"`
}

// ProposedMedication is one medication extracted from a prescription photo.
type ProposedMedication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Time         string `json:"time,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
}

// Oracle is the model boundary the dispatcher talks to. Implementations
// are best effort: callers treat errors as "no answer", never as a reason
// to block the patient.
type Oracle interface {
	ParseIntent(ctx context.Context, text string) (Command, error)
	CheckDosage(ctx context.Context, name, dosage string) (DosageVerdict, error)
	AnalyzePrescription(ctx context.Context, image []byte) ([]ProposedMedication, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
