package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady is returned when the producer is used before its channel setup completed
	ErrNotReady = errors.New("messaging: producer not ready")
	// ErrTimeout is returned when a wait exceeded its deadline
	ErrTimeout = errors.New("messaging: timeout")
	// ErrCancelled is returned when a pending reply was cancelled by expiry or by the caller
	ErrCancelled = errors.New("messaging: cancelled")
	// ErrTooManyPending is returned when the correlation cap is still reached after waiting
	ErrTooManyPending = errors.New("messaging: too many pending correlations")
	// ErrAuthenticity marks a message whose signature or certificate could not be verified
	ErrAuthenticity = errors.New("messaging: message authenticity check failed")
	// ErrDuplicateMessage is fatal to a single-flight consumer receiving a second message
	ErrDuplicateMessage = errors.New("messaging: unprocessed message already buffered")

	ErrResourceFrozen       = errors.New("messaging: consumption resource already declared")
	ErrNoReplyConsumer      = errors.New("messaging: no reply consumer configured")
	ErrConsumerStopped      = errors.New("messaging: consumer stopped")
	ErrDuplicateCorrelation = errors.New("messaging: correlation id already registered")
	ErrModuleClosed         = errors.New("messaging: module closed")
)

// CorrelationError describes a failure tied to one correlation id
type CorrelationError struct {
	CorrelationID string
	Op            string
	Err           error
	Timestamp     time.Time
}

func newCorrelationError(op, correlationID string, err error) *CorrelationError {
	return &CorrelationError{
		CorrelationID: correlationID,
		Op:            op,
		Err:           err,
		Timestamp:     time.Now(),
	}
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("messaging correlation error: %s failed for %s: %v", e.Op, e.CorrelationID, e.Err)
}

func (e *CorrelationError) Unwrap() error {
	return e.Err
}

// ProcessingError wraps a failure raised while handling one delivered message
type ProcessingError struct {
	Queue       string
	RoutingKey  string
	DeliveryTag uint64
	Err         error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("messaging: processing message %d from %s (%s): %v",
		e.DeliveryTag, e.Queue, e.RoutingKey, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
