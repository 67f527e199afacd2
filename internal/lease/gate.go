// Package lease decides when a pending lease agreement becomes active.
package lease

import (
	"fmt"
	"time"

	"github.com/rentwise/rentwise/internal/shared"
)

// Status is the lifecycle state of a lease agreement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrAgreementNotFound is returned when the lease agreement does not exist.
	ErrAgreementNotFound = fmt.Errorf("%w: lease agreement", shared.ErrNotFound)
)

// Agreement is the slice of a lease the gate reads.
type Agreement struct {
	ID                  int64      `json:"id"`
	UnitID              int64      `json:"unit_id"`
	LandlordID          int64      `json:"landlord_id"`
	TenantID            int64      `json:"tenant_id"`
	Status              Status     `json:"status"`
	StartDate           *time.Time `json:"start_date,omitempty"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	DocumentURL         string     `json:"document_url,omitempty"`
	SecurityDepositPaid bool       `json:"is_security_deposit_paid"`
	AdvancePaymentPaid  bool       `json:"is_advance_payment_paid"`
	ActivatedAt         *time.Time `json:"activated_at,omitempty"`
}

// Requirements is the landlord's setup checklist for one agreement.
type Requirements struct {
	AgreementID      int64  `json:"agreement_id"`
	LeaseAgreement   bool   `json:"require_lease_agreement"`
	MoveInChecklist  bool   `json:"require_move_in_checklist"`
	MoveOutChecklist bool   `json:"require_move_out_checklist"`
	SecurityDeposit  bool   `json:"require_security_deposit"`
	AdvancePayment   bool   `json:"require_advance_payment"`
	Other            bool   `json:"require_other"`
	OtherNote        string `json:"other_note,omitempty"`
}

// Policy tunes the predicate.
type Policy struct {
	// EnforcePaymentFlags makes the deposit and advance items require the
	// matching lease flag. When false they are always satisfied.
	EnforcePaymentFlags bool
}

// Item names used in the checklist view.
const (
	ItemStartDate       = "start_date"
	ItemLeaseAgreement  = "lease_agreement"
	ItemMoveInChecklist = "move_in_checklist"
	ItemSecurityDeposit = "security_deposit"
	ItemAdvancePayment  = "advance_payment"
)

// ChecklistItem is one gating condition and whether it holds.
type ChecklistItem struct {
	Name      string `json:"name"`
	Satisfied bool   `json:"satisfied"`
}

// Checklist lists the conditions that gate activation. Without requirements
// only the start date gates; move-out and other items never do.
func Checklist(req *Requirements, a Agreement, policy Policy) []ChecklistItem {
	if req == nil {
		return []ChecklistItem{{Name: ItemStartDate, Satisfied: a.StartDate != nil}}
	}
	var items []ChecklistItem
	if req.LeaseAgreement {
		items = append(items, ChecklistItem{Name: ItemLeaseAgreement, Satisfied: a.DocumentURL != ""})
	}
	if req.MoveInChecklist {
		items = append(items, ChecklistItem{Name: ItemMoveInChecklist, Satisfied: a.StartDate != nil})
	}
	if req.SecurityDeposit {
		items = append(items, ChecklistItem{Name: ItemSecurityDeposit, Satisfied: !policy.EnforcePaymentFlags || a.SecurityDepositPaid})
	}
	if req.AdvancePayment {
		items = append(items, ChecklistItem{Name: ItemAdvancePayment, Satisfied: !policy.EnforcePaymentFlags || a.AdvancePaymentPaid})
	}
	return items
}

// IsSetupComplete reports whether every gating condition holds.
func IsSetupComplete(req *Requirements, a Agreement, policy Policy) bool {
	for _, item := range Checklist(req, a, policy) {
		if !item.Satisfied {
			return false
		}
	}
	return true
}
