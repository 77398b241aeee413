package offsync

import "github.com/google/uuid"

// NewIdempotencyKey mints a key at the moment of user intent. The key stays
// fixed across every retry of the same logical action; the remote store
// treats repeated delivery under one key as a no-op success.
func NewIdempotencyKey() string {
	return "idem_" + uuid.NewString()
}

func newOperationID() string {
	return "op_" + uuid.NewString()
}

// findPendingByKey locates a live (non-terminal) operation already queued
// under the same idempotency key and type. Enqueue merges into it instead of
// duplicating the action.
func findPendingByKey(ops []*QueuedOperation, opType OperationType, key string) *QueuedOperation {
	if key == "" {
		return nil
	}
	for _, op := range ops {
		if op.State == StateFailed {
			continue
		}
		if op.Type == opType && op.IdempotencyKey == key {
			return op
		}
	}
	return nil
}
