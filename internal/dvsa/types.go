package dvsa

import (
	"bytes"
	"strings"
)

// VehicleRecord is the decoded DVSA MOT History response for one
// registration. Optional attributes (colour, fuel type, model) may be empty;
// only a record with no identifying content at all is a parse failure.
type VehicleRecord struct {
	Registration         string     `json:"registration"`
	Make                 string     `json:"make"`
	Model                string     `json:"model"`
	PrimaryColour        string     `json:"primaryColour"`
	SecondaryColour      string     `json:"secondaryColour"`
	FuelType             string     `json:"fuelType"`
	EngineSize           string     `json:"engineSize"`
	RegistrationDate     string     `json:"registrationDate"`
	ManufactureDate      string     `json:"manufactureDate"`
	MOTTestDueDate       string     `json:"motTestDueDate"`
	HasOutstandingRecall RecallFlag `json:"hasOutstandingRecall"`
	MOTTests             []MOTTest  `json:"motTests"`
}

// MOTTest is a single test result in the vehicle's history. Dates arrive as
// strings in several formats; parsing happens in the deriver.
type MOTTest struct {
	CompletedDate      string `json:"completedDate"`
	TestResult         string `json:"testResult"`
	ExpiryDate         string `json:"expiryDate"`
	OdometerValue      string `json:"odometerValue"`
	OdometerUnit       string `json:"odometerUnit"`
	OdometerResultType string `json:"odometerResultType"`
	MOTTestNumber      string `json:"motTestNumber"`
}

// RecallFlag tolerates the API returning the outstanding-recall field as a
// boolean, or as a string like "true", "Yes" or "Unknown".
type RecallFlag bool

func (f *RecallFlag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "yes":
		*f = true
	default:
		*f = false
	}
	return nil
}
