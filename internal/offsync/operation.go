package offsync

import (
	"encoding/json"
	"strings"
	"time"
)

// OperationType tags what a queued operation does to the remote store. The
// set is closed; unknown types are rejected at enqueue time.
type OperationType string

const (
	OpSendMessage   OperationType = "send_message"
	OpDeleteMessage OperationType = "delete_message"
	OpUpdateMessage OperationType = "update_message"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpSendMessage, OpDeleteMessage, OpUpdateMessage:
		return true
	}
	return false
}

// OperationState is the per-operation state machine:
//
//	pending -> syncing -> synced (removed)
//	                   -> retrying -> (eligible) -> syncing
//	                   -> failed (terminal, awaiting user disposition)
type OperationState string

const (
	StatePending  OperationState = "pending"
	StateSyncing  OperationState = "syncing"
	StateRetrying OperationState = "retrying"
	StateFailed   OperationState = "failed"
)

// QueuedOperation is one durable entry in the offline queue. The first six
// fields are the wire contract shared with every client platform; the rest
// round-trip alongside them so that retry bookkeeping survives a restart.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"maxRetries"`

	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	State          OperationState `json:"status,omitempty"`
	NextAttemptAt  *string        `json:"nextAttemptAt,omitempty"`
	LastError      *string        `json:"lastError,omitempty"`
	FailedAt       *string        `json:"failedAt,omitempty"`
	VectorClock    VectorClock    `json:"vectorClock,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (op QueuedOperation) Clone() QueuedOperation {
	clone := op
	if op.Data != nil {
		clone.Data = append(json.RawMessage(nil), op.Data...)
	}
	if op.NextAttemptAt != nil {
		next := *op.NextAttemptAt
		clone.NextAttemptAt = &next
	}
	if op.LastError != nil {
		lastErr := *op.LastError
		clone.LastError = &lastErr
	}
	if op.FailedAt != nil {
		failedAt := *op.FailedAt
		clone.FailedAt = &failedAt
	}
	if op.VectorClock != nil {
		clone.VectorClock = op.VectorClock.Clone()
	}
	return clone
}

// valid reports whether a loaded entry satisfies the structural contract.
// Entries that fail this check are dropped at load time, not crashed on.
func (op QueuedOperation) valid() bool {
	if strings.TrimSpace(op.ID) == "" {
		return false
	}
	if !op.Type.Valid() {
		return false
	}
	return true
}

func (op QueuedOperation) nextAttemptTime() (time.Time, bool) {
	if op.NextAttemptAt == nil {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, *op.NextAttemptAt)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// DeadLetter is the user-facing record of a terminally failed operation. It
// remains visible until explicitly dismissed or retried.
type DeadLetter struct {
	OperationID  string        `json:"operationId"`
	Type         OperationType `json:"type"`
	FailedAt     string        `json:"failedAt"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError"`
}

// queueSnapshot is the persisted blob shape: the full ordered queue, written
// as one JSON document on every mutation.
type queueSnapshot struct {
	Items []QueuedOperation `json:"items"`
}
