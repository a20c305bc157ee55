package v1

import "errors"

// Envelope validation errors.
var (
	ErrMissingMessageID   = errors.New("message id is required")
	ErrMissingExecutionID = errors.New("execution id is required")
	ErrMissingSenderID    = errors.New("sender id is required")
	ErrInvalidAddressing  = errors.New("exactly one of recipient_id and broadcast_scope must be set")
)
