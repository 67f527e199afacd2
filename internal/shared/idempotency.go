package shared

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolationCode      = "23505"
	serializationFailureCode = "40001"
)

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation. Unique indexes are the authoritative at-most-once guard; any
// pre-insert lookup is only a fast path.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

// ViolatedConstraint returns the constraint name carried by a unique
// violation, or an empty string.
func ViolatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return pgErr.ConstraintName
	}
	return ""
}

// IsSerializationFailure reports whether a RepeatableRead transaction lost a
// race against a concurrent update and may be retried from the start.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailureCode
	}
	return false
}
