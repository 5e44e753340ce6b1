package model

import "time"

// Vehicle holds the descriptive attributes reported by DVSA for one
// registration.
type Vehicle struct {
	Registration     string `gorm:"primaryKey;size:16"`
	Make             string `gorm:"size:64"`
	Model            string `gorm:"size:64"`
	PrimaryColour    string `gorm:"size:32"`
	SecondaryColour  string `gorm:"size:32"`
	FuelType         string `gorm:"size:32"`
	EngineSize       string `gorm:"size:16"`
	RegistrationDate string `gorm:"size:16"`
	ManufactureDate  string `gorm:"size:16"`
	HasRecall        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Associations
	Subscriptions []*PushSubscription `gorm:"many2many:subscription_vehicle_mapping;"`
}
