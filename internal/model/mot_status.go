package model

import "time"

// MOTStatus is the latest derived snapshot for one registration. There is
// exactly one row per vehicle; each successful poll replaces it wholesale,
// and a failed poll only flips Available while keeping the last-known-good
// values for display.
type MOTStatus struct {
	Registration  string `gorm:"primaryKey;size:16"`
	Status        string `gorm:"size:16;not null"`
	DueDate       *time.Time
	DaysRemaining *int

	LastTestResult string `gorm:"size:32"`
	LastTestDate   *time.Time
	OdometerValue  string `gorm:"size:16"`
	OdometerUnit   string `gorm:"size:8"`

	AnnualMileage     *int
	AnnualMileageUnit string `gorm:"size:8"`

	Available   bool
	LastError   string `gorm:"size:32"` // error kind, never raw credentials
	LastErrorAt *time.Time
	ObservedAt  time.Time // time of the last successful fetch
	UpdatedAt   time.Time
}
