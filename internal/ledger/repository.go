package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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
	*Effects
	tx pgx.Tx
}

// PaymentColumns is the select list matched by ScanPayment.
const PaymentColumns = `id, bill_id, agreement_id, payment_type, amount_paid, payment_status, receipt_reference,
	gateway_transaction_ref, raw_gateway_payload, gross_amount, net_amount, gateway_fee, COALESCE(proof_url, ''),
	channel, payment_date, reviewed_by, reviewed_at, COALESCE(review_note, ''), created_at, updated_at`

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{Effects: NewEffects(tx), tx: tx})
	})
}

// FindByKey looks a payment up by either idempotency column.
func (r *Repository) FindByKey(ctx context.Context, key Key) (Payment, error) {
	var column string
	switch key.Kind {
	case KeyReceipt:
		column = "receipt_reference"
	case KeyGateway:
		column = "gateway_transaction_ref"
	default:
		return Payment{}, fmt.Errorf("ledger: unknown key kind %q", key.Kind)
	}
	return ScanPayment(r.pool.QueryRow(ctx, `SELECT `+PaymentColumns+` FROM payments WHERE `+column+` = $1`, key.Value))
}

// Get returns a payment by id.
func (r *Repository) Get(ctx context.Context, id int64) (Payment, error) {
	return ScanPayment(r.pool.QueryRow(ctx, `SELECT `+PaymentColumns+` FROM payments WHERE id = $1`, id))
}

// LeaseParties returns the parties of an agreement.
func (r *Repository) LeaseParties(ctx context.Context, agreementID int64) (LeaseParties, error) {
	var lp LeaseParties
	err := r.pool.QueryRow(ctx, `
		SELECT id, unit_id, landlord_id, tenant_id, status
		FROM lease_agreements WHERE id = $1`, agreementID).
		Scan(&lp.AgreementID, &lp.UnitID, &lp.LandlordID, &lp.TenantID, &lp.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LeaseParties{}, ErrAgreementNotFound
		}
		return LeaseParties{}, fmt.Errorf("ledger: lease parties: %w", err)
	}
	return lp, nil
}

// BillingTarget returns a bill with the current lease of its unit.
func (r *Repository) BillingTarget(ctx context.Context, billID int64) (BillingTarget, error) {
	var (
		t                         BillingTarget
		leaseID, landlord, tenant *int64
		leaseStatus               *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT b.id, b.unit_id, b.status, b.total_amount_due, la.id, la.landlord_id, la.tenant_id, la.status
		FROM billing_records b
		LEFT JOIN LATERAL (
			SELECT id, landlord_id, tenant_id, status
			FROM lease_agreements
			WHERE unit_id = b.unit_id AND status IN ('active', 'pending')
			ORDER BY (status = 'active') DESC, id DESC
			LIMIT 1
		) la ON TRUE
		WHERE b.id = $1`, billID).
		Scan(&t.ID, &t.UnitID, &t.Status, &t.TotalAmountDue, &leaseID, &landlord, &tenant, &leaseStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillingTarget{}, ErrBillingNotFound
		}
		return BillingTarget{}, fmt.Errorf("ledger: billing target: %w", err)
	}
	if leaseID != nil {
		t.Lease = &LeaseParties{AgreementID: *leaseID, UnitID: t.UnitID, LandlordID: *landlord, TenantID: *tenant, Status: *leaseStatus}
	}
	return t, nil
}

func (tx *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	var raw []byte
	if len(p.RawGatewayPayload) > 0 {
		raw = p.RawGatewayPayload
	}
	return ScanPayment(tx.tx.QueryRow(ctx, `
		INSERT INTO payments (bill_id, agreement_id, payment_type, amount_paid, payment_status, receipt_reference,
			gateway_transaction_ref, raw_gateway_payload, gross_amount, net_amount, gateway_fee, proof_url, channel, payment_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14)
		RETURNING `+PaymentColumns,
		p.BillID, p.AgreementID, string(p.Type), p.Amount, string(p.Status), p.ReceiptReference,
		p.GatewayTransactionRef, raw, p.GrossAmount, p.NetAmount, p.GatewayFee, p.ProofURL, string(p.Channel), p.PaymentDate))
}

func (tx *txRepo) LockBilling(ctx context.Context, billID int64) (BillingTarget, error) {
	var t BillingTarget
	err := tx.tx.QueryRow(ctx, `
		SELECT id, unit_id, status, total_amount_due
		FROM billing_records WHERE id = $1 FOR UPDATE`, billID).
		Scan(&t.ID, &t.UnitID, &t.Status, &t.TotalAmountDue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillingTarget{}, ErrBillingNotFound
		}
		return BillingTarget{}, err
	}
	return t, nil
}

func (tx *txRepo) InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	return notify.Insert(ctx, tx.tx, n)
}

// Effects implements EffectsTx on a pgx transaction.
type Effects struct {
	tx pgx.Tx
}

// NewEffects binds the effect writers to tx.
func NewEffects(tx pgx.Tx) *Effects {
	return &Effects{tx: tx}
}

func (e *Effects) MarkDepositPaid(ctx context.Context, agreementID int64, amount decimal.Decimal, at time.Time) error {
	return e.markPayablePaid(ctx, "security_deposits", agreementID, amount, at)
}

func (e *Effects) MarkAdvancePaid(ctx context.Context, agreementID int64, amount decimal.Decimal, at time.Time) error {
	return e.markPayablePaid(ctx, "advance_payments", agreementID, amount, at)
}

// markPayablePaid upserts the payable; an existing received_at is kept.
func (e *Effects) markPayablePaid(ctx context.Context, table string, agreementID int64, amount decimal.Decimal, at time.Time) error {
	_, err := e.tx.Exec(ctx, `
		INSERT INTO `+table+` (agreement_id, amount, status, received_at)
		VALUES ($1, $2, 'paid', $3)
		ON CONFLICT (agreement_id) DO UPDATE
		SET status = 'paid', received_at = COALESCE(`+table+`.received_at, EXCLUDED.received_at)`,
		agreementID, amount, at)
	if err != nil {
		return fmt.Errorf("ledger: mark %s paid: %w", table, err)
	}
	return nil
}

func (e *Effects) SetLeaseFlags(ctx context.Context, agreementID int64, deposit, advance bool) error {
	tag, err := e.tx.Exec(ctx, `
		UPDATE lease_agreements
		SET is_security_deposit_paid = is_security_deposit_paid OR $2,
			is_advance_payment_paid = is_advance_payment_paid OR $3,
			updated_at = NOW()
		WHERE id = $1`, agreementID, deposit, advance)
	if err != nil {
		return fmt.Errorf("ledger: lease flags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

func (e *Effects) MarkBillingPaid(ctx context.Context, billID, unitID int64, at time.Time) (bool, error) {
	tag, err := e.tx.Exec(ctx, `
		UPDATE billing_records SET status = 'paid', paid_at = $3, updated_at = NOW()
		WHERE id = $1 AND unit_id = $2`, billID, unitID, at)
	if err != nil {
		return false, fmt.Errorf("ledger: mark billing paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ScanPayment scans a row selected with PaymentColumns.
func ScanPayment(row pgx.Row) (Payment, error) {
	var (
		p            Payment
		kind, status string
		channel      string
		raw          []byte
	)
	err := row.Scan(&p.ID, &p.BillID, &p.AgreementID, &kind, &p.Amount, &status, &p.ReceiptReference,
		&p.GatewayTransactionRef, &raw, &p.GrossAmount, &p.NetAmount, &p.GatewayFee, &p.ProofURL,
		&channel, &p.PaymentDate, &p.ReviewedBy, &p.ReviewedAt, &p.ReviewNote, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, err
	}
	p.Type = PaymentType(kind)
	p.Status = PaymentStatus(status)
	p.Channel = Channel(channel)
	p.RawGatewayPayload = raw
	return p, nil
}
