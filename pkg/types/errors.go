package types

import "errors"

// Error taxonomy shared by every layer. Package specific errors wrap one of
// these so callers can classify with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrValidation          = errors.New("validation failed")
	ErrHookFailure         = errors.New("registration hook failed")
	ErrUnauthorized        = errors.New("unauthorized")
)
