package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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
	tx pgx.Tx
}

const agreementColumns = `id, unit_id, landlord_id, tenant_id, status, start_date, end_date, COALESCE(document_url, ''),
	is_security_deposit_paid, is_advance_payment_paid, activated_at`

const requirementColumns = `agreement_id, require_lease_agreement, require_move_in_checklist, require_move_out_checklist,
	require_security_deposit, require_advance_payment, require_other, COALESCE(other_note, '')`

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Get returns an agreement.
func (r *Repository) Get(ctx context.Context, id int64) (Agreement, error) {
	return scanAgreement(r.pool.QueryRow(ctx, `SELECT `+agreementColumns+` FROM lease_agreements WHERE id = $1`, id))
}

// Requirements returns the setup checklist, nil when none was saved.
func (r *Repository) Requirements(ctx context.Context, agreementID int64) (*Requirements, error) {
	return scanRequirements(r.pool.QueryRow(ctx, `SELECT `+requirementColumns+` FROM lease_setup_requirements WHERE agreement_id = $1`, agreementID))
}

func (t *txRepo) Lock(ctx context.Context, id int64) (Agreement, error) {
	return scanAgreement(t.tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM lease_agreements WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) Requirements(ctx context.Context, agreementID int64) (*Requirements, error) {
	return scanRequirements(t.tx.QueryRow(ctx, `SELECT `+requirementColumns+` FROM lease_setup_requirements WHERE agreement_id = $1`, agreementID))
}

func (t *txRepo) UpsertRequirements(ctx context.Context, req Requirements) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lease_setup_requirements (agreement_id, require_lease_agreement, require_move_in_checklist,
			require_move_out_checklist, require_security_deposit, require_advance_payment, require_other, other_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (agreement_id) DO UPDATE SET
			require_lease_agreement = EXCLUDED.require_lease_agreement,
			require_move_in_checklist = EXCLUDED.require_move_in_checklist,
			require_move_out_checklist = EXCLUDED.require_move_out_checklist,
			require_security_deposit = EXCLUDED.require_security_deposit,
			require_advance_payment = EXCLUDED.require_advance_payment,
			require_other = EXCLUDED.require_other,
			other_note = EXCLUDED.other_note`,
		req.AgreementID, req.LeaseAgreement, req.MoveInChecklist, req.MoveOutChecklist,
		req.SecurityDeposit, req.AdvancePayment, req.Other, req.OtherNote)
	if err != nil {
		return fmt.Errorf("lease: upsert requirements: %w", err)
	}
	return nil
}

func (t *txRepo) UpdateDates(ctx context.Context, id int64, start, end *time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE lease_agreements SET start_date = $2, end_date = $3, updated_at = NOW() WHERE id = $1`, id, start, end)
	if err != nil {
		return fmt.Errorf("lease: update dates: %w", err)
	}
	return nil
}

func (t *txRepo) SetDocument(ctx context.Context, id int64, documentURL string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE lease_agreements SET document_url = $2, updated_at = NOW() WHERE id = $1`, id, documentURL)
	if err != nil {
		return fmt.Errorf("lease: set document: %w", err)
	}
	return nil
}

func (t *txRepo) Activate(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE lease_agreements SET status = 'active', activated_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, fmt.Errorf("lease: activate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	return notify.Insert(ctx, t.tx, n)
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a      Agreement
		status string
	)
	err := row.Scan(&a.ID, &a.UnitID, &a.LandlordID, &a.TenantID, &status, &a.StartDate, &a.EndDate, &a.DocumentURL,
		&a.SecurityDepositPaid, &a.AdvancePaymentPaid, &a.ActivatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, err
	}
	a.Status = Status(status)
	return a, nil
}

func scanRequirements(row pgx.Row) (*Requirements, error) {
	var req Requirements
	err := row.Scan(&req.AgreementID, &req.LeaseAgreement, &req.MoveInChecklist, &req.MoveOutChecklist,
		&req.SecurityDeposit, &req.AdvancePayment, &req.Other, &req.OtherNote)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease: requirements: %w", err)
	}
	return &req, nil
}
