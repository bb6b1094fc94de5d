package orchestrator

import "errors"

// Sentinel errors the HTTP layer maps onto status codes. Callers test with
// errors.Is; messages carry the specifics.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("operation not valid in current state")
)
