// Package billing manages the monthly billing record of a unit.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/readings"
	"github.com/rentwise/rentwise/internal/shared"
)

// Status of a billing record. StatusOverdue is derived and never stored.
type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

// ChargeCategory separates surcharges from discounts.
type ChargeCategory string

const (
	CategoryAdditional ChargeCategory = "additional"
	CategoryDiscount   ChargeCategory = "discount"
)

var (
	// ErrDuplicatePeriod is returned when the unit already has a record for the month.
	ErrDuplicatePeriod = fmt.Errorf("%w: billing record already exists for unit and month", shared.ErrConflict)
	// ErrBillingNotFound is returned when the billing record does not exist.
	ErrBillingNotFound = fmt.Errorf("%w: billing record", shared.ErrNotFound)
)

// ChargeLine is an additional charge or a discount owned by one record.
type ChargeLine struct {
	ID        int64           `json:"id"`
	BillingID int64           `json:"billing_id"`
	Category  ChargeCategory  `json:"category"`
	Type      string          `json:"charge_type"`
	Amount    decimal.Decimal `json:"amount"`
}

// Record is the billing aggregate for one unit and month.
type Record struct {
	ID                int64           `json:"id"`
	UnitID            int64           `json:"unit_id"`
	Period            time.Time       `json:"billing_period"`
	DueDate           time.Time       `json:"due_date"`
	WaterAmount       decimal.Decimal `json:"water_amount"`
	ElectricityAmount decimal.Decimal `json:"electricity_amount"`
	RentAmount        decimal.Decimal `json:"rent_amount"`
	TotalAmountDue    decimal.Decimal `json:"total_amount_due"`
	Status            Status          `json:"status"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	DocumentURL       string          `json:"document_url,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Lines             []ChargeLine    `json:"lines"`
}

// EffectiveStatus reports overdue for an unpaid record whose due date lies
// before now's calendar day.
func (r Record) EffectiveStatus(now time.Time) Status {
	if r.Status != StatusUnpaid {
		return r.Status
	}
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if r.DueDate.Before(today) {
		return StatusOverdue
	}
	return StatusUnpaid
}

// ChargeInput describes one charge line of a create or update request.
type ChargeInput struct {
	Category ChargeCategory
	Type     string
	Amount   decimal.Decimal
}

// Amounts are the base components of a record's total.
type Amounts struct {
	Water       decimal.Decimal
	Electricity decimal.Decimal
	Rent        decimal.Decimal
}

// CreateInput describes a new billing record.
type CreateInput struct {
	UnitID  int64
	Month   time.Time
	DueDate *time.Time
	Amounts
	Charges     []ChargeInput
	DocumentURL string
}

// UpdateInput replaces the amounts and charge lines of a record.
type UpdateInput struct {
	DueDate *time.Time
	Amounts
	Charges     []ChargeInput
	DocumentURL *string
}

// Total computes water + electricity + rent + additional - discount, floored at zero.
func Total(a Amounts, charges []ChargeInput) decimal.Decimal {
	total := a.Water.Add(a.Electricity).Add(a.Rent)
	for _, c := range charges {
		switch c.Category {
		case CategoryAdditional:
			total = total.Add(c.Amount)
		case CategoryDiscount:
			total = total.Sub(c.Amount)
		}
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func validateAmounts(a Amounts, charges []ChargeInput) []error {
	var errs []error
	for name, v := range map[string]decimal.Decimal{"water_amount": a.Water, "electricity_amount": a.Electricity, "rent_amount": a.Rent} {
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for i, c := range charges {
		if c.Category != CategoryAdditional && c.Category != CategoryDiscount {
			errs = append(errs, fmt.Errorf("charges[%d]: unknown category %q", i, c.Category))
		}
		if c.Type == "" {
			errs = append(errs, fmt.Errorf("charges[%d]: charge_type required", i))
		}
		if c.Amount.IsNegative() {
			errs = append(errs, fmt.Errorf("charges[%d]: amount must not be negative", i))
		}
	}
	return errs
}

func (in CreateInput) validate() error {
	var errs []error
	if in.UnitID <= 0 {
		errs = append(errs, errors.New("unit_id required"))
	}
	if in.Month.IsZero() {
		errs = append(errs, errors.New("month required"))
	}
	errs = append(errs, validateAmounts(in.Amounts, in.Charges)...)
	if in.DueDate != nil && !in.Month.IsZero() && !readings.MonthStart(*in.DueDate).Equal(readings.MonthStart(in.Month)) {
		errs = append(errs, errors.New("due_date must fall within the billing month"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", shared.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func (in UpdateInput) validate() error {
	if errs := validateAmounts(in.Amounts, in.Charges); len(errs) > 0 {
		return fmt.Errorf("%w: %w", shared.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// Snapshot merges a unit's current record with its resolved readings. A
// projected snapshot has a nil BillingID and zero charges.
type Snapshot struct {
	BillingID         *int64          `json:"billing_id"`
	UnitID            int64           `json:"unit_id"`
	Period            time.Time       `json:"billing_period"`
	DueDate           time.Time       `json:"due_date"`
	Status            Status          `json:"status"`
	Water             readings.Pair   `json:"water"`
	Electricity       readings.Pair   `json:"electricity"`
	WaterAmount       decimal.Decimal `json:"water_amount"`
	ElectricityAmount decimal.Decimal `json:"electricity_amount"`
	RentAmount        decimal.Decimal `json:"rent_amount"`
	Additional        []ChargeLine    `json:"additional"`
	Discounts         []ChargeLine    `json:"discounts"`
	TotalAdditional   decimal.Decimal `json:"total_additional"`
	TotalDiscount     decimal.Decimal `json:"total_discount"`
	TotalAmountDue    decimal.Decimal `json:"total_amount_due"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
}

// DueReminder is an unpaid record due on a given day with its tenant.
type DueReminder struct {
	BillingID      int64
	UnitID         int64
	TenantID       int64
	DueDate        time.Time
	TotalAmountDue decimal.Decimal
}
