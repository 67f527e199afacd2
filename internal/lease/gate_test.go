package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSetupComplete(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	withStart := Agreement{StartDate: &start}

	cases := []struct {
		name   string
		req    *Requirements
		lease  Agreement
		policy Policy
		want   bool
	}{
		{name: "no requirements no start date", lease: Agreement{}, want: false},
		{name: "no requirements with start date", lease: withStart, want: true},
		{name: "document required missing", req: &Requirements{LeaseAgreement: true}, lease: withStart, want: false},
		{name: "document required uploaded", req: &Requirements{LeaseAgreement: true}, lease: Agreement{DocumentURL: "https://files/lease.pdf"}, want: true},
		{name: "move-in requires start date", req: &Requirements{MoveInChecklist: true}, lease: Agreement{}, want: false},
		{name: "move-in with start date", req: &Requirements{MoveInChecklist: true}, lease: withStart, want: true},
		{name: "move-out never gates", req: &Requirements{MoveOutChecklist: true, Other: true}, lease: Agreement{}, want: true},
		{name: "empty requirements", req: &Requirements{}, lease: Agreement{}, want: true},
		{name: "deposit placeholder", req: &Requirements{SecurityDeposit: true, AdvancePayment: true}, lease: Agreement{}, want: true},
		{
			name:   "deposit enforced unpaid",
			req:    &Requirements{SecurityDeposit: true},
			lease:  Agreement{},
			policy: Policy{EnforcePaymentFlags: true},
			want:   false,
		},
		{
			name:   "payments enforced and paid",
			req:    &Requirements{SecurityDeposit: true, AdvancePayment: true},
			lease:  Agreement{SecurityDepositPaid: true, AdvancePaymentPaid: true},
			policy: Policy{EnforcePaymentFlags: true},
			want:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSetupComplete(tc.req, tc.lease, tc.policy))
		})
	}
}

func TestChecklistNames(t *testing.T) {
	items := Checklist(&Requirements{LeaseAgreement: true, MoveInChecklist: true, MoveOutChecklist: true, AdvancePayment: true}, Agreement{}, Policy{})
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{ItemLeaseAgreement, ItemMoveInChecklist, ItemAdvancePayment}, names)
}
