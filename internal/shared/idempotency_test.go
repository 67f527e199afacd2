package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "payments_receipt_reference_key"})
	require.True(t, IsUniqueViolation(err))
	require.Equal(t, "payments_receipt_reference_key", ViolatedConstraint(err))
	require.False(t, IsSerializationFailure(err))

	require.False(t, IsUniqueViolation(errors.New("23505")))
	require.Empty(t, ViolatedConstraint(&pgconn.PgError{Code: "23503"}))
	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
}

func TestKeys(t *testing.T) {
	require.Equal(t, "gateway:gateway_invoice:inv-1:lock", GatewayEventLockKey("gateway_invoice", "inv-1"))
	require.Equal(t, "billing:42:reminder:2025-06-30", BillingReminderTaskID(42, "2025-06-30"))
}
