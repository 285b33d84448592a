package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriberOverflow is reported to a live subscriber whose queue filled up.
	ErrSubscriberOverflow = errors.New("subscriber overflow")
	// ErrSubscriptionClosed is reported once a subscription has been unregistered.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrHubClosed is reported to every subscriber when the hub shuts down.
	ErrHubClosed = errors.New("hub closed")
)

// ValidationError reports a malformed or unacceptable input. It is never retryable.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// StoreError reports a persistence failure after retries were exhausted.
type StoreError struct {
	Err      error
	Op       string
	Attempts int
}

// NewStoreError creates a StoreError for the given operation.
func NewStoreError(op string, attempts int, err error) *StoreError {
	return &StoreError{Op: op, Attempts: attempts, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the whole operation later.
func (e *StoreError) Retryable() bool {
	return true
}

// TransportError reports a failure of the bus or another transport.
type TransportError struct {
	Err       error
	Transport string
	Op        string
}

// NewTransportError creates a TransportError.
func NewTransportError(transport, op string, err error) *TransportError {
	return &TransportError{Transport: transport, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DerivationError reports that a derived metric could not be computed.
// It never fails ingestion of the source reading.
type DerivationError struct {
	DeviceID string
	Reason   string
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("derivation failed for device %s: %s", e.DeviceID, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsStore reports whether err is or wraps a StoreError.
func IsStore(err error) bool {
	var target *StoreError
	return errors.As(err, &target)
}

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsDerivation reports whether err is or wraps a DerivationError.
func IsDerivation(err error) bool {
	var target *DerivationError
	return errors.As(err, &target)
}
