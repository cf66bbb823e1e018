// Package store persists the adherence engine's entities in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store provides access to the adherence database
type Store struct {
	db *gorm.DB
}

// New opens the SQLite database at the given path and migrates the schema
func New(sqlitePath string) (*Store, error) {
	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm connection (used by tests)
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&Medication{},
		&AdherenceLog{},
		&Caregiver{},
		&Appointment{},
		&HealthLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ==================== Medication Methods ====================

// CreateMedication creates a new medication
func (s *Store) CreateMedication(med *Medication) error {
	if med.Frequency < 1 {
		med.Frequency = 1
	}
	return s.db.Create(med).Error
}

// GetMedication retrieves a medication by id
func (s *Store) GetMedication(id uint) (*Medication, error) {
	var med Medication
	err := s.db.First(&med, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &med, err
}

// FindMedicationByName resolves a medication by case-insensitive name
// substring for the given patient. Returns nil when nothing matches.
func (s *Store) FindMedicationByName(patientID int64, name string) (*Medication, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, nil
	}

	var med Medication
	err := s.db.Where("patient_id = ? AND lower(name) LIKE ?", patientID, "%"+name+"%").
		Order("created_at ASC").
		First(&med).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &med, err
}

// ListMedications lists a patient's regimen
func (s *Store) ListMedications(patientID int64) ([]Medication, error) {
	var meds []Medication
	err := s.db.Where("patient_id = ?", patientID).Order("created_at ASC").Find(&meds).Error
	return meds, err
}

// ListActiveMedications lists every medication with reminders enabled,
// across all patients
func (s *Store) ListActiveMedications() ([]Medication, error) {
	var meds []Medication
	err := s.db.Where("reminder_enabled = ?", true).Find(&meds).Error
	return meds, err
}

// UpdateMedication saves changed medication fields
func (s *Store) UpdateMedication(med *Medication) error {
	if med.Frequency < 1 {
		med.Frequency = 1
	}
	return s.db.Save(med).Error
}

// DeleteMedication removes a medication and its adherence history
// (the remove-intent path cascades; course expiry uses ExpireMedication)
func (s *Store) DeleteMedication(id uint) error {
	if err := s.db.Where("medication_id = ?", id).Delete(&AdherenceLog{}).Error; err != nil {
		return err
	}
	return s.db.Delete(&Medication{}, "id = ?", id).Error
}

// ExpireMedication removes a medication whose course has ended. Historical
// logs keep their now-dangling medication reference.
func (s *Store) ExpireMedication(id uint) error {
	return s.db.Delete(&Medication{}, "id = ?", id).Error
}

// ExpiredMedications lists medications whose end date has passed
func (s *Store) ExpiredMedications(now time.Time) ([]Medication, error) {
	var meds []Medication
	err := s.db.Where("end_date IS NOT NULL AND end_date < ?", now).Find(&meds).Error
	return meds, err
}

// SetSnooze postpones the next reminder for a medication
func (s *Store) SetSnooze(id uint, until time.Time) error {
	return s.db.Model(&Medication{}).Where("id = ?", id).Update("snoozed_until", until).Error
}

// ClearSnooze resets the snooze marker after a reminder has fired
func (s *Store) ClearSnooze(id uint) error {
	return s.db.Model(&Medication{}).Where("id = ?", id).Update("snoozed_until", nil).Error
}

// PatientsWithMedications returns the distinct owners of at least one medication
func (s *Store) PatientsWithMedications() ([]int64, error) {
	var ids []int64
	err := s.db.Model(&Medication{}).Distinct().Order("patient_id ASC").Pluck("patient_id", &ids).Error
	return ids, err
}

// ==================== AdherenceLog Methods ====================

// CreateAdherenceLog appends a taken/missed record. Logs are never updated.
func (s *Store) CreateAdherenceLog(log *AdherenceLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	return s.db.Create(log).Error
}

// HasTakenLog reports whether a "taken" log exists for the medication
// within [start, end)
func (s *Store) HasTakenLog(medicationID uint, start, end time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&AdherenceLog{}).
		Where("medication_id = ? AND status = ? AND timestamp >= ? AND timestamp < ?",
			medicationID, StatusTaken, start, end).
		Count(&count).Error
	return count > 0, err
}

// CountLogs counts a patient's logs with the given status since a cutoff
func (s *Store) CountLogs(patientID int64, status string, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&AdherenceLog{}).
		Where("patient_id = ? AND status = ? AND timestamp >= ?", patientID, status, since).
		Count(&count).Error
	return count, err
}

// ListLogs returns a patient's logs since a cutoff, oldest first
func (s *Store) ListLogs(patientID int64, since time.Time) ([]AdherenceLog, error) {
	var logs []AdherenceLog
	err := s.db.Where("patient_id = ? AND timestamp >= ?", patientID, since).
		Order("timestamp ASC").
		Find(&logs).Error
	return logs, err
}

// ==================== Caregiver Methods ====================

// UpsertCaregiver links a patient to a caregiver; re-linking overwrites
func (s *Store) UpsertCaregiver(patientID, caregiverID int64) error {
	link := Caregiver{PatientID: patientID, CaregiverID: caregiverID}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "patient_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"caregiver_id"}),
	}).Create(&link).Error
}

// GetCaregiver returns the caregiver link for a patient, nil when unlinked
func (s *Store) GetCaregiver(patientID int64) (*Caregiver, error) {
	var link Caregiver
	err := s.db.Where("patient_id = ?", patientID).First(&link).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &link, err
}

// GetPatientForCaregiver returns the patient a user cares for, nil when none
func (s *Store) GetPatientForCaregiver(caregiverID int64) (*Caregiver, error) {
	var link Caregiver
	err := s.db.Where("caregiver_id = ?", caregiverID).First(&link).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &link, err
}

// ==================== Appointment Methods ====================

// CreateAppointment creates a new appointment
func (s *Store) CreateAppointment(appt *Appointment) error {
	return s.db.Create(appt).Error
}

// FindAppointmentByTitle resolves an appointment by case-insensitive title
// substring for the given patient. Returns nil when nothing matches.
func (s *Store) FindAppointmentByTitle(patientID int64, title string) (*Appointment, error) {
	title = strings.TrimSpace(strings.ToLower(title))
	if title == "" {
		return nil, nil
	}

	var appt Appointment
	err := s.db.Where("patient_id = ? AND lower(title) LIKE ?", patientID, "%"+title+"%").
		Order("date_time ASC").
		First(&appt).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &appt, err
}

// ListAppointments lists a patient's appointments, soonest first
func (s *Store) ListAppointments(patientID int64) ([]Appointment, error) {
	var appts []Appointment
	err := s.db.Where("patient_id = ?", patientID).Order("date_time ASC").Find(&appts).Error
	return appts, err
}

// UpdateAppointment saves changed appointment fields
func (s *Store) UpdateAppointment(appt *Appointment) error {
	return s.db.Save(appt).Error
}

// DeleteAppointment removes an appointment
func (s *Store) DeleteAppointment(id uint) error {
	return s.db.Delete(&Appointment{}, "id = ?", id).Error
}

// UnremindedAppointments lists appointments in [from, to) that have not
// been flagged yet
func (s *Store) UnremindedAppointments(from, to time.Time) ([]Appointment, error) {
	var appts []Appointment
	err := s.db.Where("reminded = ? AND date_time >= ? AND date_time < ?", false, from, to).
		Find(&appts).Error
	return appts, err
}

// MarkReminded flips the reminded flag; it is never reset
func (s *Store) MarkReminded(id uint) error {
	return s.db.Model(&Appointment{}).Where("id = ?", id).Update("reminded", true).Error
}

// ==================== HealthLog Methods ====================

// CreateHealthLog appends a biomarker entry
func (s *Store) CreateHealthLog(log *HealthLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	return s.db.Create(log).Error
}

// ListHealthLogs returns a patient's entries since a cutoff, oldest first
func (s *Store) ListHealthLogs(patientID int64, since time.Time) ([]HealthLog, error) {
	var logs []HealthLog
	err := s.db.Where("patient_id = ? AND timestamp >= ?", patientID, since).
		Order("timestamp ASC").
		Find(&logs).Error
	return logs, err
}
