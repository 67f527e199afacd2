// Package readings resolves due dates and meter readings for a unit and
// billing month, and records new meter readings.
package readings

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/shared"
)

// DefaultDueDay applies when a property has no billing configuration.
const DefaultDueDay = 30

// UtilityType enumerates metered utilities.
type UtilityType string

const (
	UtilityWater       UtilityType = "water"
	UtilityElectricity UtilityType = "electricity"
)

// Valid reports whether u is a known utility.
func (u UtilityType) Valid() bool {
	return u == UtilityWater || u == UtilityElectricity
}

// ErrUnitNotFound is returned when the unit does not exist.
var ErrUnitNotFound = fmt.Errorf("%w: unit", shared.ErrNotFound)

// ErrReadingRegression is returned when a current reading is below its previous one.
var ErrReadingRegression = fmt.Errorf("%w: current reading below previous reading", shared.ErrValidation)

// Unit is the billing-relevant view of a rental unit.
type Unit struct {
	ID         int64
	PropertyID int64
	LandlordID int64
	// DueDay is the property's configured billing day, 0 when unconfigured.
	DueDay int
}

// MeterReading is one append-only meter observation.
type MeterReading struct {
	ID              int64               `json:"id"`
	UnitID          int64               `json:"unit_id"`
	Utility         UtilityType         `json:"utility_type"`
	ReadingDate     time.Time           `json:"reading_date"`
	PreviousReading decimal.NullDecimal `json:"previous_reading"`
	CurrentReading  decimal.Decimal     `json:"current_reading"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Pair carries the previous and current reading of one utility. Either side
// is nil when unknown.
type Pair struct {
	Previous *decimal.Decimal `json:"previous"`
	Current  *decimal.Decimal `json:"current"`
}

// Consumption returns current minus previous when both are known.
func (p Pair) Consumption() (decimal.Decimal, bool) {
	if p.Previous == nil || p.Current == nil {
		return decimal.Zero, false
	}
	return p.Current.Sub(*p.Previous), true
}

// Resolution is the resolved billing context for a unit and month.
type Resolution struct {
	UnitID      int64     `json:"unit_id"`
	Month       time.Time `json:"month"`
	DueDate     time.Time `json:"due_date"`
	Water       Pair      `json:"water"`
	Electricity Pair      `json:"electricity"`
}

// RecordInput describes a new meter reading.
type RecordInput struct {
	UnitID          int64
	Utility         UtilityType
	ReadingDate     time.Time
	PreviousReading *decimal.Decimal
	CurrentReading  decimal.Decimal
}

func (in RecordInput) validate() error {
	var errs []error
	if in.UnitID <= 0 {
		errs = append(errs, errors.New("unit_id required"))
	}
	if !in.Utility.Valid() {
		errs = append(errs, fmt.Errorf("unknown utility %q", in.Utility))
	}
	if in.ReadingDate.IsZero() {
		errs = append(errs, errors.New("reading_date required"))
	}
	if in.CurrentReading.IsNegative() {
		errs = append(errs, errors.New("current_reading must not be negative"))
	}
	if in.PreviousReading != nil && in.PreviousReading.IsNegative() {
		errs = append(errs, errors.New("previous_reading must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", shared.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// MonthStart truncates t to midnight UTC on the first of its month.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in month's calendar month.
func DaysIn(month time.Time) int {
	return MonthStart(month).AddDate(0, 1, -1).Day()
}

// DueDate places day inside month, clamped to the month's length. A
// non-positive day falls back to DefaultDueDay.
func DueDate(day int, month time.Time) time.Time {
	if day <= 0 {
		day = DefaultDueDay
	}
	if last := DaysIn(month); day > last {
		day = last
	}
	start := MonthStart(month)
	return time.Date(start.Year(), start.Month(), day, 0, 0, 0, 0, time.UTC)
}
