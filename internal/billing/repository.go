package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `id, unit_id, billing_period, due_date, water_amount, electricity_amount, rent_amount,
	total_amount_due, status, paid_at, COALESCE(document_url, ''), created_at, updated_at`

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// FindByPeriod returns the record of unitID for period with its lines.
func (r *Repository) FindByPeriod(ctx context.Context, unitID int64, period time.Time) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM billing_records WHERE unit_id = $1 AND billing_period = $2`, unitID, period))
	if err != nil {
		return Record{}, err
	}
	return withLines(ctx, r.pool, rec)
}

// Get returns a record and its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM billing_records WHERE id = $1`, id))
	if err != nil {
		return Record{}, err
	}
	return withLines(ctx, r.pool, rec)
}

// ListUnpaidDue returns unpaid records due on dueDate whose unit has an active lease.
func (r *Repository) ListUnpaidDue(ctx context.Context, dueDate time.Time) ([]DueReminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.unit_id, la.tenant_id, b.due_date, b.total_amount_due
		FROM billing_records b
		JOIN lease_agreements la ON la.unit_id = b.unit_id AND la.status = 'active'
		WHERE b.status = 'unpaid' AND b.due_date = $1
		ORDER BY b.id`, dueDate)
	if err != nil {
		return nil, fmt.Errorf("billing: list due: %w", err)
	}
	defer rows.Close()
	var out []DueReminder
	for rows.Next() {
		var d DueReminder
		if err := rows.Scan(&d.BillingID, &d.UnitID, &d.TenantID, &d.DueDate, &d.TotalAmountDue); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (tx *txRepo) Insert(ctx context.Context, rec Record) (Record, error) {
	return scanRecord(tx.tx.QueryRow(ctx, `
		INSERT INTO billing_records (unit_id, billing_period, due_date, water_amount, electricity_amount,
			rent_amount, total_amount_due, status, document_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING `+recordColumns,
		rec.UnitID, rec.Period, rec.DueDate, rec.WaterAmount, rec.ElectricityAmount,
		rec.RentAmount, rec.TotalAmountDue, string(rec.Status), rec.DocumentURL))
}

func (tx *txRepo) InsertLine(ctx context.Context, line ChargeLine) (ChargeLine, error) {
	err := tx.tx.QueryRow(ctx, `
		INSERT INTO billing_charge_lines (billing_id, category, charge_type, amount)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		line.BillingID, string(line.Category), line.Type, line.Amount).Scan(&line.ID)
	if err != nil {
		return ChargeLine{}, fmt.Errorf("billing: insert line: %w", err)
	}
	return line, nil
}

func (tx *txRepo) LockForUpdate(ctx context.Context, id int64) (Record, error) {
	return scanRecord(tx.tx.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM billing_records WHERE id = $1 FOR UPDATE`, id))
}

func (tx *txRepo) DeleteLines(ctx context.Context, billingID int64) error {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM billing_charge_lines WHERE billing_id = $1`, billingID); err != nil {
		return fmt.Errorf("billing: delete lines: %w", err)
	}
	return nil
}

func (tx *txRepo) Replace(ctx context.Context, rec Record) (Record, error) {
	return scanRecord(tx.tx.QueryRow(ctx, `
		UPDATE billing_records
		SET due_date = $2, water_amount = $3, electricity_amount = $4, rent_amount = $5,
			total_amount_due = $6, status = $7, paid_at = $8, document_url = NULLIF($9, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING `+recordColumns,
		rec.ID, rec.DueDate, rec.WaterAmount, rec.ElectricityAmount, rec.RentAmount,
		rec.TotalAmountDue, string(rec.Status), rec.PaidAt, rec.DocumentURL))
}

func withLines(ctx context.Context, q querier, rec Record) (Record, error) {
	rows, err := q.Query(ctx, `
		SELECT id, billing_id, category, charge_type, amount
		FROM billing_charge_lines WHERE billing_id = $1 ORDER BY id`, rec.ID)
	if err != nil {
		return Record{}, fmt.Errorf("billing: lines: %w", err)
	}
	defer rows.Close()
	rec.Lines = []ChargeLine{}
	for rows.Next() {
		var (
			line     ChargeLine
			category string
		)
		if err := rows.Scan(&line.ID, &line.BillingID, &category, &line.Type, &line.Amount); err != nil {
			return Record{}, err
		}
		line.Category = ChargeCategory(category)
		rec.Lines = append(rec.Lines, line)
	}
	return rec, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	err := row.Scan(&rec.ID, &rec.UnitID, &rec.Period, &rec.DueDate, &rec.WaterAmount, &rec.ElectricityAmount,
		&rec.RentAmount, &rec.TotalAmountDue, &status, &rec.PaidAt, &rec.DocumentURL, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBillingNotFound
		}
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
