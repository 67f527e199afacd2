//go:build integration

package review_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rentwise/rentwise/internal/lease"
	"github.com/rentwise/rentwise/internal/ledger"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/review"
	"github.com/rentwise/rentwise/internal/shared"
	"github.com/rentwise/rentwise/internal/testing/pgtest"
)

func TestPostgresDecisionsAreExclusiveAndActivateLease(t *testing.T) {
	pool := pgtest.NewPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	unitID := pgtest.Unit(t, pool, 7, 5)
	agreement := pgtest.Lease(t, pool, unitID, 7, 8, string(lease.StatusPending))

	landlord := shared.Actor{UserID: 7, Role: shared.RoleLandlord}
	tenant := shared.Actor{UserID: 8, Role: shared.RoleTenant}

	leases := lease.NewService(lease.NewRepository(pool), lease.Policy{EnforcePaymentFlags: true}, nil, logger)
	_, err := leases.SaveRequirements(context.Background(), landlord, agreement, lease.Requirements{SecurityDeposit: true})
	require.NoError(t, err)
	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	setup, err := leases.UpdateDates(context.Background(), landlord, agreement, lease.DatesInput{StartDate: &start})
	require.NoError(t, err)
	require.False(t, setup.Complete)
	require.Equal(t, lease.StatusPending, setup.Agreement.Status)

	payments := ledger.NewService(ledger.NewRepository(pool), nil, ledger.NewTokenVerifier("tok"), logger, ledger.WithLeaseGate(leases))
	recorded, err := payments.RecordTenantPayment(context.Background(), tenant, ledger.TenantPaymentInput{
		AgreementID:      agreement,
		Type:             ledger.TypeSecurityDeposit,
		Amount:           decimal.NewFromInt(2500),
		ReceiptReference: "DEP-42",
	})
	require.NoError(t, err)

	svc := review.NewService(review.NewRepository(pool), nil, leases, nil, notify.NewFormatter("IDR"), logger)

	const workers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		decided  []ledger.Payment
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				p   ledger.Payment
				err error
			)
			if i%2 == 0 {
				p, err = svc.Approve(context.Background(), landlord, recorded.Payment.ID, "")
			} else {
				p, err = svc.Reject(context.Background(), landlord, recorded.Payment.ID, "blurry proof")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				decided = append(decided, p)
			case errors.Is(err, review.ErrAlreadyDecided):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, decided, 1)
	require.Equal(t, workers-1, rejected)

	after, err := leases.Setup(context.Background(), landlord, agreement)
	require.NoError(t, err)
	if decided[0].Status == ledger.StatusConfirmed {
		require.True(t, after.Agreement.SecurityDepositPaid)
		require.Equal(t, lease.StatusActive, after.Agreement.Status)
		require.NotNil(t, after.Agreement.ActivatedAt)
	} else {
		require.Equal(t, ledger.StatusFailed, decided[0].Status)
		require.False(t, after.Agreement.SecurityDepositPaid)
		require.Equal(t, lease.StatusPending, after.Agreement.Status)
	}
	require.Equal(t, 1, pgtest.Count(t, pool,
		`SELECT COUNT(*) FROM payments WHERE id = $1 AND reviewed_by = 7 AND reviewed_at IS NOT NULL`, recorded.Payment.ID))
}

func TestPostgresApproveMonthlyMarksBillPaid(t *testing.T) {
	pool := pgtest.NewPool(t)
	unitID := pgtest.Unit(t, pool, 7, 5)
	agreement := pgtest.Lease(t, pool, unitID, 7, 8, string(lease.StatusActive))
	billID := pgtest.Bill(t, pool, unitID, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(1300))

	landlord := shared.Actor{UserID: 7, Role: shared.RoleLandlord}
	tenant := shared.Actor{UserID: 8, Role: shared.RoleTenant}
	payments := ledger.NewService(ledger.NewRepository(pool), nil, ledger.NewTokenVerifier("tok"), nil)
	recorded, err := payments.RecordTenantPayment(context.Background(), tenant, ledger.TenantPaymentInput{
		AgreementID:      agreement,
		BillID:           &billID,
		Type:             ledger.TypeMonthlyBilling,
		Amount:           decimal.NewFromInt(1300),
		ReceiptReference: "JUN-2025",
	})
	require.NoError(t, err)

	svc := review.NewService(review.NewRepository(pool), nil, nil, nil, notify.NewFormatter("IDR"), nil)
	p, err := svc.Approve(context.Background(), landlord, recorded.Payment.ID, "ok")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, p.Status)
	require.Equal(t, "ok", p.ReviewNote)

	require.Equal(t, 1, pgtest.Count(t, pool, `SELECT COUNT(*) FROM billing_records WHERE id = $1 AND status = 'paid'`, billID))

	_, err = svc.Reject(context.Background(), landlord, recorded.Payment.ID, "")
	require.ErrorIs(t, err, review.ErrAlreadyDecided)
	require.Equal(t, 1, pgtest.Count(t, pool, `SELECT COUNT(*) FROM billing_records WHERE id = $1 AND status = 'paid'`, billID))
}
