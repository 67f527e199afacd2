package readings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const readingColumns = `id, unit_id, utility_type, reading_date, previous_reading, current_reading, created_at`

func (r *PGRepository) Unit(ctx context.Context, unitID int64) (Unit, error) {
	var (
		unit Unit
		day  *int16
	)
	err := r.pool.QueryRow(ctx, `
		SELECT u.id, u.property_id, p.landlord_id, pc.billing_due_day
		FROM units u
		JOIN properties p ON p.id = u.property_id
		LEFT JOIN property_configurations pc ON pc.property_id = u.property_id
		WHERE u.id = $1`, unitID).Scan(&unit.ID, &unit.PropertyID, &unit.LandlordID, &day)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, ErrUnitNotFound
		}
		return Unit{}, fmt.Errorf("readings: unit: %w", err)
	}
	if day != nil {
		unit.DueDay = int(*day)
	}
	return unit, nil
}

func (r *PGRepository) LatestBetween(ctx context.Context, unitID int64, utility UtilityType, from, to time.Time) (*MeterReading, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+readingColumns+`
		FROM meter_readings
		WHERE unit_id = $1 AND utility_type = $2 AND reading_date >= $3 AND reading_date < $4
		ORDER BY reading_date DESC, id DESC
		LIMIT 1`, unitID, string(utility), from, to)
	return scanOptional(row)
}

func (r *PGRepository) LatestBefore(ctx context.Context, unitID int64, utility UtilityType, before time.Time) (*MeterReading, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+readingColumns+`
		FROM meter_readings
		WHERE unit_id = $1 AND utility_type = $2 AND reading_date < $3
		ORDER BY reading_date DESC, id DESC
		LIMIT 1`, unitID, string(utility), before)
	return scanOptional(row)
}

// Insert appends a reading. There is deliberately no update or delete.
func (r *PGRepository) Insert(ctx context.Context, reading MeterReading) (MeterReading, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO meter_readings (unit_id, utility_type, reading_date, previous_reading, current_reading)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+readingColumns,
		reading.UnitID, string(reading.Utility), reading.ReadingDate, reading.PreviousReading, reading.CurrentReading)
	saved, err := scanReading(row)
	if err != nil {
		return MeterReading{}, fmt.Errorf("readings: insert: %w", err)
	}
	return saved, nil
}

func scanOptional(row pgx.Row) (*MeterReading, error) {
	reading, err := scanReading(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &reading, nil
}

func scanReading(row pgx.Row) (MeterReading, error) {
	var (
		m       MeterReading
		utility string
	)
	if err := row.Scan(&m.ID, &m.UnitID, &utility, &m.ReadingDate, &m.PreviousReading, &m.CurrentReading, &m.CreatedAt); err != nil {
		return MeterReading{}, err
	}
	m.Utility = UtilityType(utility)
	return m, nil
}
