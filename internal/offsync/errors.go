package offsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrClosed         = errors.New("engine closed")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNotImplemented = errors.New("not implemented")
)

// DeliveryError classifies a failed delivery attempt. Transient errors are
// retried under the backoff policy; permanent errors end the operation
// immediately regardless of remaining retry budget.
type DeliveryError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *DeliveryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("delivery failed: code=%s message=%s", e.Code, e.Message)
	}
	return fmt.Sprintf("delivery failed: %s", e.Message)
}

// NewTransientError reports a failure worth retrying (timeouts, 5xx,
// connection resets).
func NewTransientError(code, message string) *DeliveryError {
	return &DeliveryError{Code: code, Message: message, Transient: true}
}

// NewPermanentError reports a failure that no retry can fix (validation
// rejections, non-auth 4xx).
func NewPermanentError(code, message string) *DeliveryError {
	return &DeliveryError{Code: code, Message: message, Transient: false}
}

// RemoteConflictError is returned by a delivery when the remote store holds a
// concurrently modified copy of the operation's target. The engine resolves it
// through vector clocks rather than the plain retry path.
type RemoteConflictError struct {
	Remote SyncEntity
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("remote conflict on entity %s", e.Remote.ID)
}
