//go:build integration

// Package pgtest starts one PostgreSQL container per test binary and hands
// every test its own migrated database.
package pgtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rentwise/rentwise/internal/platform/db"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

func adminDSN(ctx context.Context) (string, error) {
	containerOnce.Do(func() {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("rentwise"),
			tcpostgres.WithUsername("rentwise"),
			tcpostgres.WithPassword("rentwise"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("pgtest: start container: %w", err)
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	return containerDSN, containerErr
}

// NewPool creates a fresh database, applies the embedded migrations and
// returns a pool that is closed when the test ends.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	ctx := context.Background()

	admin, err := adminDSN(ctx)
	require.NoError(t, err)

	name := "rw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	adminPool, err := pgxpool.New(ctx, admin)
	require.NoError(t, err)
	_, err = adminPool.Exec(ctx, "CREATE DATABASE "+name)
	adminPool.Close()
	require.NoError(t, err)

	dsn, err := withDatabase(admin, name)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(dsn, slog.New(slog.NewTextHandler(io.Discard, nil))))

	pool, err := db.New(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func withDatabase(dsn, name string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("pgtest: parse dsn: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}

// Unit seeds a property owned by landlordID with a configured due day and
// one unit on it. dueDay 0 leaves the property unconfigured.
func Unit(t *testing.T, pool *pgxpool.Pool, landlordID int64, dueDay int) int64 {
	t.Helper()
	ctx := context.Background()
	var propertyID, unitID int64
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO properties (landlord_id, name) VALUES ($1, 'Test Property') RETURNING id`,
		landlordID).Scan(&propertyID))
	if dueDay > 0 {
		_, err := pool.Exec(ctx,
			`INSERT INTO property_configurations (property_id, billing_due_day) VALUES ($1, $2)`,
			propertyID, dueDay)
		require.NoError(t, err)
	}
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO units (property_id, label) VALUES ($1, 'A-1') RETURNING id`,
		propertyID).Scan(&unitID))
	return unitID
}

// Lease seeds a lease agreement on unitID.
func Lease(t *testing.T, pool *pgxpool.Pool, unitID, landlordID, tenantID int64, status string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, pool.QueryRow(context.Background(), `
		INSERT INTO lease_agreements (unit_id, landlord_id, tenant_id, status)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		unitID, landlordID, tenantID, status).Scan(&id))
	return id
}

// Bill seeds an unpaid billing record for the month of period.
func Bill(t *testing.T, pool *pgxpool.Pool, unitID int64, period time.Time, total decimal.Decimal) int64 {
	t.Helper()
	start := time.Date(period.Year(), period.Month(), 1, 0, 0, 0, 0, time.UTC)
	var id int64
	require.NoError(t, pool.QueryRow(context.Background(), `
		INSERT INTO billing_records (unit_id, billing_period, due_date, rent_amount, total_amount_due)
		VALUES ($1, $2, $3, $4, $4) RETURNING id`,
		unitID, start, start.AddDate(0, 0, 9), total).Scan(&id))
	return id
}

// Count runs a SELECT COUNT(*) style query and returns the integer.
func Count(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
