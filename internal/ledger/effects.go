package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EffectsTx is the set of dependent writes a confirmed payment may perform.
// Implementations run inside the caller's transaction.
type EffectsTx interface {
	MarkDepositPaid(ctx context.Context, agreementID int64, amount decimal.Decimal, at time.Time) error
	MarkAdvancePaid(ctx context.Context, agreementID int64, amount decimal.Decimal, at time.Time) error
	SetLeaseFlags(ctx context.Context, agreementID int64, deposit, advance bool) error
	// MarkBillingPaid reports false when no bill matched both ids.
	MarkBillingPaid(ctx context.Context, billID, unitID int64, at time.Time) (bool, error)
}

// ApplyConfirmed applies the per-type effects of a confirmed payment. Bill
// updates are scoped by the lease's unit so a payment can never settle a bill
// of another lease.
func ApplyConfirmed(ctx context.Context, tx EffectsTx, p Payment, lease LeaseParties, at time.Time) error {
	switch p.Type {
	case TypeSecurityDeposit:
		if err := tx.MarkDepositPaid(ctx, lease.AgreementID, p.Amount, at); err != nil {
			return err
		}
		return tx.SetLeaseFlags(ctx, lease.AgreementID, true, false)
	case TypeAdvancePayment:
		if err := tx.MarkAdvancePaid(ctx, lease.AgreementID, p.Amount, at); err != nil {
			return err
		}
		return tx.SetLeaseFlags(ctx, lease.AgreementID, false, true)
	case TypeInitialPayment:
		if err := tx.MarkDepositPaid(ctx, lease.AgreementID, decimal.Zero, at); err != nil {
			return err
		}
		if err := tx.MarkAdvancePaid(ctx, lease.AgreementID, decimal.Zero, at); err != nil {
			return err
		}
		return tx.SetLeaseFlags(ctx, lease.AgreementID, true, true)
	case TypeMonthlyBilling:
		if p.BillID == nil {
			return fmt.Errorf("ledger: monthly billing payment %d without bill", p.ID)
		}
		ok, err := tx.MarkBillingPaid(ctx, *p.BillID, lease.UnitID, at)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBillingNotFound
		}
		return nil
	default:
		return fmt.Errorf("ledger: unknown payment type %q", p.Type)
	}
}
