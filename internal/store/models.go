package store

import "time"

// Adherence log statuses
const (
	StatusTaken  = "taken"
	StatusMissed = "missed"
)

// Medication represents one recurring dose in a patient's regimen.
// Schedule is the canonical "HH:MM" time of day in the configured zone;
// Frequency is the interval in days between doses (1 = daily). CreatedAt
// anchors the frequency offset for the day gate.
type Medication struct {
	ID              uint  `gorm:"primaryKey"`
	PatientID       int64 `gorm:"index;column:patient_id"`
	Name            string
	Dosage          string
	Schedule        string
	Frequency       int        `gorm:"default:1"`
	EndDate         *time.Time `gorm:"column:end_date"`
	SnoozedUntil    *time.Time `gorm:"column:snoozed_until"`
	ReminderEnabled bool       `gorm:"default:true"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AdherenceLog records a single taken or missed dose. Immutable once
// created. MedicationID is nullable: intake can be logged even when the
// named medication could not be resolved, and expiry of a finished course
// leaves historical logs with a dangling reference by design.
type AdherenceLog struct {
	ID           uint  `gorm:"primaryKey"`
	PatientID    int64 `gorm:"index;column:patient_id"`
	MedicationID *uint `gorm:"index"`
	Status       string
	Timestamp    time.Time
}

// Caregiver links a patient to the one caregiver who receives alerts.
// The unique index on PatientID makes re-linking an upsert.
type Caregiver struct {
	ID          uint  `gorm:"primaryKey"`
	PatientID   int64 `gorm:"uniqueIndex;column:patient_id"`
	CaregiverID int64 `gorm:"column:caregiver_id"`
}

// Appointment is an upcoming medical visit. Reminded flips false to true
// exactly once and is never reset.
type Appointment struct {
	ID        uint  `gorm:"primaryKey"`
	PatientID int64 `gorm:"index;column:patient_id"`
	Title     string
	DateTime  time.Time `gorm:"column:date_time"`
	Reminded  bool      `gorm:"default:false"`
	CreatedAt time.Time
}

// HealthLog is an append-only free-text biomarker entry.
type HealthLog struct {
	ID        uint  `gorm:"primaryKey"`
	PatientID int64 `gorm:"index;column:patient_id"`
	Type      string
	Value     string
	Timestamp time.Time
}
