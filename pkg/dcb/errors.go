package dcb

import (
	"errors"
	"fmt"
)

// ConflictKind classifies a ConcurrencyError so callers do not have to match
// on message strings.
type ConflictKind int

const (
	// ConflictStale means an event matching FailIfEventsMatch was committed
	// after the condition's cursor: the caller decided on stale state.
	ConflictStale ConflictKind = iota

	// ConflictDuplicate means an event matching FailIfExists already exists:
	// the operation was already recorded.
	ConflictDuplicate
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictStale:
		return "STALE"
	case ConflictDuplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

type (
	// EventStoreError is the base error type for event store operations.
	EventStoreError struct {
		Op  string // operation that failed
		Err error  // the underlying error
	}

	// ValidationError reports malformed events, tags, or queries.
	ValidationError struct {
		EventStoreError
		Field string // the field that failed validation
		Value string // the invalid value
	}

	// ConcurrencyError reports a violated append condition.
	ConcurrencyError struct {
		EventStoreError
		Kind ConflictKind
	}

	// ResourceError reports an I/O or database failure.
	ResourceError struct {
		EventStoreError
		Resource string // the resource that caused the error
	}

	// ConfigurationError reports an invalid construction-time configuration,
	// such as duplicate command handler registrations.
	ConfigurationError struct {
		EventStoreError
		Detail string
	}
)

// Error implements the error interface.
func (e *EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error.
func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if the error is a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError of any kind.
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsDuplicateConflict checks if the error is a ConcurrencyError raised by the
// FailIfExists branch of an append condition.
func IsDuplicateConflict(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr) && concurrencyErr.Kind == ConflictDuplicate
}

// IsResourceError checks if the error is a ResourceError.
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// IsConfigurationError checks if the error is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var configurationErr *ConfigurationError
	return errors.As(err, &configurationErr)
}

// AsValidationError extracts a ValidationError from the error chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// AsConcurrencyError extracts a ConcurrencyError from the error chain.
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// AsResourceError extracts a ResourceError from the error chain.
func AsResourceError(err error) (*ResourceError, bool) {
	var resourceErr *ResourceError
	if errors.As(err, &resourceErr) {
		return resourceErr, true
	}
	return nil, false
}
