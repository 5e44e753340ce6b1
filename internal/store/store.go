package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mot-status-backend/internal/dvsa"
	"mot-status-backend/internal/model"
	"mot-status-backend/internal/mot"
)

// VehicleStatus pairs a vehicle's metadata with its latest MOT snapshot.
type VehicleStatus struct {
	Vehicle model.Vehicle
	Status  model.MOTStatus
}

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB
	UpsertVehicle(ctx context.Context, registration string, record *dvsa.VehicleRecord) error
	ReplaceStatus(ctx context.Context, fact mot.Fact, observedAt time.Time) error
	MarkUnavailable(ctx context.Context, registration, errorKind string, at time.Time) error
	GetStatus(ctx context.Context, registration string) (*VehicleStatus, error)
	ListStatuses(ctx context.Context) ([]VehicleStatus, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying connection for handlers and the worker pool.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// UpsertVehicle refreshes the descriptive attributes for a registration.
// The registration key is the configured normalized form, not whatever the
// API echoed back.
func (s *gormStore) UpsertVehicle(ctx context.Context, registration string, record *dvsa.VehicleRecord) error {
	vehicle := model.Vehicle{
		Registration:     registration,
		Make:             record.Make,
		Model:            record.Model,
		PrimaryColour:    record.PrimaryColour,
		SecondaryColour:  record.SecondaryColour,
		FuelType:         record.FuelType,
		EngineSize:       record.EngineSize,
		RegistrationDate: record.RegistrationDate,
		ManufactureDate:  record.ManufactureDate,
		HasRecall:        bool(record.HasOutstandingRecall),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "registration"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"make", "model", "primary_colour", "secondary_colour",
			"fuel_type", "engine_size",
			"registration_date", "manufacture_date", "has_recall", "updated_at",
		}),
	}).Create(&vehicle).Error
	if err != nil {
		return fmt.Errorf("failed to upsert vehicle %s: %w", registration, err)
	}
	return nil
}

// ReplaceStatus stores the outcome of a successful poll. The whole row is
// replaced so a reader never sees a half-updated fact set, and availability
// is restored along with the fresh data.
func (s *gormStore) ReplaceStatus(ctx context.Context, fact mot.Fact, observedAt time.Time) error {
	status := model.MOTStatus{
		Registration:   fact.Registration,
		Status:         string(fact.Status),
		DueDate:        fact.DueDate,
		DaysRemaining:  fact.DaysRemaining,
		LastTestResult: fact.LastTestResult,
		LastTestDate:   fact.LastTestDate,
		OdometerValue:  fact.OdometerValue,
		OdometerUnit:   fact.OdometerUnit,

		AnnualMileage:     fact.AnnualMileage,
		AnnualMileageUnit: fact.AnnualMileageUnit,

		Available:   true,
		LastError:   "",
		LastErrorAt: nil,
		ObservedAt:  observedAt,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "registration"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "due_date", "days_remaining",
			"last_test_result", "last_test_date", "odometer_value", "odometer_unit",
			"annual_mileage", "annual_mileage_unit",
			"available", "last_error", "last_error_at", "observed_at", "updated_at",
		}),
	}).Create(&status).Error
	if err != nil {
		return fmt.Errorf("failed to replace status for %s: %w", fact.Registration, err)
	}
	return nil
}

// MarkUnavailable records a failed poll. Last-known-good values stay in
// place for display; only the availability flag and the error kind change.
// A registration that has never succeeded gets an unknown-status row so the
// API can still report it as configured but unavailable.
func (s *gormStore) MarkUnavailable(ctx context.Context, registration, errorKind string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.MOTStatus{}).
			Where("registration = ?", registration).
			Updates(map[string]any{
				"available":     false,
				"last_error":    errorKind,
				"last_error_at": at,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark %s unavailable: %w", registration, res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		status := model.MOTStatus{
			Registration: registration,
			Status:       string(mot.StatusUnknown),
			Available:    false,
			LastError:    errorKind,
			LastErrorAt:  &at,
			ObservedAt:   at,
		}
		if err := tx.Create(&status).Error; err != nil {
			return fmt.Errorf("failed to create unavailable status for %s: %w", registration, err)
		}
		return nil
	})
}

// GetStatus returns the snapshot for one registration. The vehicle row may
// be absent when no poll has ever succeeded; that is not an error.
func (s *gormStore) GetStatus(ctx context.Context, registration string) (*VehicleStatus, error) {
	var status model.MOTStatus
	if err := s.db.WithContext(ctx).First(&status, "registration = ?", registration).Error; err != nil {
		return nil, err
	}

	var vehicle model.Vehicle
	err := s.db.WithContext(ctx).First(&vehicle, "registration = ?", registration).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	return &VehicleStatus{Vehicle: vehicle, Status: status}, nil
}

// ListStatuses returns snapshots for every known registration.
func (s *gormStore) ListStatuses(ctx context.Context) ([]VehicleStatus, error) {
	var statuses []model.MOTStatus
	if err := s.db.WithContext(ctx).Order("registration").Find(&statuses).Error; err != nil {
		return nil, err
	}

	var vehicles []model.Vehicle
	if err := s.db.WithContext(ctx).Find(&vehicles).Error; err != nil {
		return nil, err
	}
	vehicleMap := make(map[string]model.Vehicle, len(vehicles))
	for _, v := range vehicles {
		vehicleMap[v.Registration] = v
	}

	out := make([]VehicleStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, VehicleStatus{Vehicle: vehicleMap[st.Registration], Status: st})
	}
	return out, nil
}
