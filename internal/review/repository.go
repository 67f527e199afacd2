package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rentwise/rentwise/internal/ledger"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	*ledger.Effects
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{Effects: ledger.NewEffects(tx), tx: tx})
	})
}

func (t *txRepo) LockPayment(ctx context.Context, id int64) (ledger.Payment, error) {
	return ledger.ScanPayment(t.tx.QueryRow(ctx, `SELECT `+ledger.PaymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) LeaseParties(ctx context.Context, agreementID int64) (ledger.LeaseParties, error) {
	var lp ledger.LeaseParties
	err := t.tx.QueryRow(ctx, `
		SELECT id, unit_id, landlord_id, tenant_id, status
		FROM lease_agreements WHERE id = $1`, agreementID).
		Scan(&lp.AgreementID, &lp.UnitID, &lp.LandlordID, &lp.TenantID, &lp.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.LeaseParties{}, ledger.ErrAgreementNotFound
		}
		return ledger.LeaseParties{}, fmt.Errorf("review: lease parties: %w", err)
	}
	return lp, nil
}

func (t *txRepo) SetDecision(ctx context.Context, id int64, status ledger.PaymentStatus, reviewerID int64, at time.Time, note string) (ledger.Payment, error) {
	return ledger.ScanPayment(t.tx.QueryRow(ctx, `
		UPDATE payments
		SET payment_status = $2, reviewed_by = $3, reviewed_at = $4, review_note = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING `+ledger.PaymentColumns, id, string(status), reviewerID, at, note))
}

func (t *txRepo) InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	return notify.Insert(ctx, t.tx, n)
}
