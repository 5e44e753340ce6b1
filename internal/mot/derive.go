package mot

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"mot-status-backend/internal/dvsa"
)

// Status classifies a vehicle's MOT position relative to its due date.
type Status string

const (
	StatusValid       Status = "valid"
	StatusExpiresSoon Status = "expires_soon"
	StatusExpired     Status = "expired"
	StatusUnknown     Status = "unknown"
)

// Fact is the derived view of one vehicle's MOT position. It is recomputed
// in full on every successful poll, never partially updated.
type Fact struct {
	Registration  string
	Status        Status
	DueDate       *time.Time
	DaysRemaining *int

	LastTestResult string
	LastTestDate   *time.Time
	OdometerValue  string
	OdometerUnit   string

	// AnnualMileage is the yearly usage estimated from the two most recent
	// usable odometer readings; nil when the history cannot support one.
	AnnualMileage     *int
	AnnualMileageUnit string

	Make                 string
	Model                string
	PrimaryColour        string
	SecondaryColour      string
	FuelType             string
	EngineSize           string
	HasOutstandingRecall bool
}

// VehicleSummary is a short human-readable label, e.g. "FORD FIESTA".
func (f Fact) VehicleSummary() string {
	switch {
	case f.Make != "" && f.Model != "":
		return f.Make + " " + f.Model
	case f.Make != "":
		return f.Make
	default:
		return f.Model
	}
}

// Derive computes the fact set for a vehicle record. Pure: deterministic
// given (record, warnDays, now) and free of side effects.
//
// The due date is the vehicle-level motTestDueDate when present, otherwise
// the expiry of the most recent passing test. The most recent test is found
// by comparing completed dates explicitly rather than trusting the API's
// ordering; two tests completed the same day are tie-broken by the greater
// motTestNumber (DVSA assigns them monotonically), which makes selection
// invariant under any permutation of the input.
func Derive(record *dvsa.VehicleRecord, warnDays int, now time.Time) Fact {
	fact := Fact{
		Registration:         record.Registration,
		Status:               StatusUnknown,
		Make:                 record.Make,
		Model:                record.Model,
		PrimaryColour:        record.PrimaryColour,
		SecondaryColour:      record.SecondaryColour,
		FuelType:             record.FuelType,
		EngineSize:           record.EngineSize,
		HasOutstandingRecall: bool(record.HasOutstandingRecall),
	}

	if latest := latestTest(record.MOTTests); latest != nil {
		fact.LastTestResult = latest.TestResult
		fact.LastTestDate = parseDate(latest.CompletedDate)
		fact.OdometerValue = latest.OdometerValue
		fact.OdometerUnit = latest.OdometerUnit
	}
	fact.AnnualMileage, fact.AnnualMileageUnit = annualMileage(record.MOTTests)

	due := parseDate(record.MOTTestDueDate)
	if due == nil {
		if pass := latestTest(passedTests(record.MOTTests)); pass != nil {
			due = parseDate(pass.ExpiryDate)
		}
	}
	if due == nil {
		return fact
	}

	today := now.UTC().Truncate(24 * time.Hour)
	days := int(due.Sub(today).Hours() / 24)

	fact.DueDate = due
	fact.DaysRemaining = &days

	switch {
	case due.Before(today):
		fact.Status = StatusExpired
	case days <= warnDays:
		fact.Status = StatusExpiresSoon
	default:
		fact.Status = StatusValid
	}
	return fact
}

// latestTest selects the most recent test by completed date, with the
// motTestNumber tie-break. Returns nil for an empty history.
func latestTest(tests []dvsa.MOTTest) *dvsa.MOTTest {
	var best *dvsa.MOTTest
	var bestDate time.Time
	for i := range tests {
		t := &tests[i]
		d := parseDate(t.CompletedDate)
		if d == nil {
			continue
		}
		switch {
		case best == nil, d.After(bestDate):
			best, bestDate = t, *d
		case d.Equal(bestDate) && t.MOTTestNumber > best.MOTTestNumber:
			best = t
		}
	}
	return best
}

// annualMileage estimates yearly usage from the two most recent tests with a
// usable odometer reading: an "OK" result type, a numeric value and a mi/km
// unit. The estimate is the reading delta scaled to 365.25 days. No estimate
// when fewer than two readings qualify, their units differ, or the reading
// did not increase (a reset or clocked odometer); in the last case the unit
// is still reported.
func annualMileage(tests []dvsa.MOTTest) (*int, string) {
	type reading struct {
		date   time.Time
		value  float64
		unit   string
		number string
	}

	var usable []reading
	for _, t := range tests {
		d := parseDate(t.CompletedDate)
		if d == nil || !strings.EqualFold(t.OdometerResultType, "OK") {
			continue
		}
		unit := strings.ToLower(strings.TrimSpace(t.OdometerUnit))
		if unit != "mi" && unit != "km" {
			continue
		}
		value, err := strconv.ParseFloat(t.OdometerValue, 64)
		if err != nil {
			continue
		}
		usable = append(usable, reading{date: *d, value: value, unit: unit, number: t.MOTTestNumber})
	}
	if len(usable) < 2 {
		return nil, ""
	}

	sort.Slice(usable, func(i, j int) bool {
		if !usable[i].date.Equal(usable[j].date) {
			return usable[i].date.After(usable[j].date)
		}
		return usable[i].number > usable[j].number
	})
	newest, previous := usable[0], usable[1]

	if newest.unit != previous.unit {
		return nil, ""
	}
	days := int(newest.date.Sub(previous.date).Hours() / 24)
	if days <= 0 {
		return nil, ""
	}
	delta := newest.value - previous.value
	if delta <= 0 {
		return nil, newest.unit
	}

	estimate := int(math.Round(delta / float64(days) * 365.25))
	return &estimate, newest.unit
}

func passedTests(tests []dvsa.MOTTest) []dvsa.MOTTest {
	var out []dvsa.MOTTest
	for _, t := range tests {
		if strings.EqualFold(t.TestResult, "PASSED") {
			out = append(out, t)
		}
	}
	return out
}

// parseDate accepts the date formats the API has been seen returning:
// "2006-01-02", "2006.01.02", each optionally followed by a time of day.
// The result is a UTC date at midnight; unparseable input yields nil.
func parseDate(value string) *time.Time {
	if len(value) < 10 {
		return nil
	}
	s := strings.ReplaceAll(value[:10], ".", "-")
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return nil
	}
	return &d
}
