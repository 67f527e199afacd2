package shared

import "errors"

// Error taxonomy shared by every module. Module errors wrap one of these so
// transports can map them without knowing module internals.
var (
	// ErrValidation indicates a missing or malformed field.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate or already processed request.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized indicates a missing identity, foreign resource or bad webhook token.
	ErrUnauthorized = errors.New("unauthorized")
)
