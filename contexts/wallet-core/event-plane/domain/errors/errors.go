package errors

import "errors"

var (
	ErrVersionConflict       = errors.New("saga version conflict")
	ErrCorrelationIDRequired = errors.New("correlation id is required")
	ErrEventTypeRequired     = errors.New("event type is required")
	ErrRetryExhausted        = errors.New("optimistic retry cap exhausted")
)
