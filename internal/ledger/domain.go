// Package ledger records payments and applies their financial effects at
// most once per idempotency key.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/shared"
)

// PaymentType enumerates what a payment settles.
type PaymentType string

const (
	TypeInitialPayment  PaymentType = "initial_payment"
	TypeSecurityDeposit PaymentType = "security_deposit"
	TypeAdvancePayment  PaymentType = "advance_payment"
	TypeMonthlyBilling  PaymentType = "monthly_billing"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case TypeInitialPayment, TypeSecurityDeposit, TypeAdvancePayment, TypeMonthlyBilling:
		return true
	}
	return false
}

// PaymentStatus is the state of a ledger row.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusFailed    PaymentStatus = "failed"
	StatusCancelled PaymentStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s != StatusPending
}

// Channel identifies the entry point a payment arrived through.
type Channel string

const (
	ChannelTenant         Channel = "tenant"
	ChannelInvoice        Channel = "gateway_invoice"
	ChannelPaymentRequest Channel = "gateway_payment_request"
	ChannelReview         Channel = "review"
)

// KeyKind tags which external identifier a Key carries.
type KeyKind string

const (
	KeyReceipt KeyKind = "receipt_reference"
	KeyGateway KeyKind = "gateway_transaction_ref"
)

// Key is the idempotency key of a payment. Both entry families go through the
// same guard; only the column differs.
type Key struct {
	Kind  KeyKind
	Value string
}

// ReceiptKey builds a tenant receipt key.
func ReceiptKey(ref string) Key { return Key{Kind: KeyReceipt, Value: ref} }

// GatewayKey builds a gateway transaction key.
func GatewayKey(ref string) Key { return Key{Kind: KeyGateway, Value: ref} }

// Valid reports whether the key carries a known kind and a value.
func (k Key) Valid() bool {
	return (k.Kind == KeyReceipt || k.Kind == KeyGateway) && k.Value != ""
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Value }

// Payment is one ledger row.
type Payment struct {
	ID                    int64               `json:"id"`
	BillID                *int64              `json:"bill_id,omitempty"`
	AgreementID           *int64              `json:"agreement_id,omitempty"`
	Type                  PaymentType         `json:"payment_type"`
	Amount                decimal.Decimal     `json:"amount_paid"`
	Status                PaymentStatus       `json:"payment_status"`
	ReceiptReference      *string             `json:"receipt_reference,omitempty"`
	GatewayTransactionRef *string             `json:"gateway_transaction_ref,omitempty"`
	RawGatewayPayload     json.RawMessage     `json:"-"`
	GrossAmount           decimal.NullDecimal `json:"gross_amount"`
	NetAmount             decimal.NullDecimal `json:"net_amount"`
	GatewayFee            decimal.NullDecimal `json:"gateway_fee"`
	ProofURL              string              `json:"proof_url,omitempty"`
	Channel               Channel             `json:"channel"`
	PaymentDate           time.Time           `json:"payment_date"`
	ReviewedBy            *int64              `json:"reviewed_by,omitempty"`
	ReviewedAt            *time.Time          `json:"reviewed_at,omitempty"`
	ReviewNote            string              `json:"review_note,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// Key returns the payment's idempotency key, preferring the gateway reference.
func (p Payment) Key() Key {
	if p.GatewayTransactionRef != nil {
		return GatewayKey(*p.GatewayTransactionRef)
	}
	if p.ReceiptReference != nil {
		return ReceiptKey(*p.ReceiptReference)
	}
	return Key{}
}

// sameSubmission reports whether candidate repeats p rather than reusing its key.
func (p Payment) sameSubmission(candidate Payment) bool {
	return equalID(p.AgreementID, candidate.AgreementID) &&
		equalID(p.BillID, candidate.BillID) &&
		p.Type == candidate.Type &&
		p.Amount.Equal(candidate.Amount)
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Outcome classifies how the guard handled one event.
type Outcome string

const (
	// OutcomeApplied means a new row was written and its effects applied.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplayed means the receipt was seen before; the stored row is returned.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeAlreadyPaid means a success event targeted a bill that is already paid.
	OutcomeAlreadyPaid Outcome = "already_paid"
	// OutcomeDuplicate means the gateway reference was seen before.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event cannot be resolved or requires no change.
	OutcomeIgnored Outcome = "ignored"
)

// Result is returned by every ledger entry point.
type Result struct {
	Outcome   Outcome  `json:"outcome"`
	Payment   *Payment `json:"payment,omitempty"`
	BillingID int64    `json:"billing_id,omitempty"`
}

// LeaseParties identifies a lease and the people on it.
type LeaseParties struct {
	AgreementID int64
	UnitID      int64
	LandlordID  int64
	TenantID    int64
	Status      string
}

// BillingTarget is the slice of a billing record the ledger reads and locks.
type BillingTarget struct {
	ID             int64
	UnitID         int64
	Status         string
	TotalAmountDue decimal.Decimal
	// Lease is the active lease of the unit, when any.
	Lease *LeaseParties
}

var (
	// ErrPaymentNotFound is returned when no payment matches.
	ErrPaymentNotFound = fmt.Errorf("%w: payment", shared.ErrNotFound)
	// ErrAgreementNotFound is returned when the lease agreement does not exist.
	ErrAgreementNotFound = fmt.Errorf("%w: lease agreement", shared.ErrNotFound)
	// ErrBillingNotFound is returned when the referenced bill does not belong to the lease.
	ErrBillingNotFound = fmt.Errorf("%w: billing record", shared.ErrNotFound)
	// ErrKeyReused is returned when an idempotency key is replayed with different content.
	ErrKeyReused = fmt.Errorf("%w: idempotency key already used for a different payment", shared.ErrConflict)
	// ErrInvalidToken is returned when a webhook token does not verify.
	ErrInvalidToken = fmt.Errorf("%w: invalid callback token", shared.ErrUnauthorized)
	// ErrEventInFlight is returned when another delivery of the same gateway
	// event still holds its lock. The gateway should redeliver later.
	ErrEventInFlight = errors.New("gateway event in flight")
)
