package offsync

// EventType enumerates the observability side-channel. Events narrate queue
// state for UI layers; they never drive the queue itself.
type EventType string

const (
	EventSyncStart       EventType = "sync_start"
	EventSyncSuccess     EventType = "sync_success"
	EventSyncPartial     EventType = "sync_partial"
	EventSyncFailed      EventType = "sync_failed"
	EventOfflineDetected EventType = "offline_detected"
	EventOnlineDetected  EventType = "online_detected"
	EventMessageQueued   EventType = "message_queued"
	EventMessageSynced   EventType = "message_synced"
	EventMessageFailed   EventType = "message_failed"
	// EventStorageWarning reports a persistence write failure. The in-memory
	// queue stays authoritative for the session; the durable copy is behind.
	EventStorageWarning EventType = "storage_warning"
)

// SyncEvent is an immutable point-in-time record emitted by the engine.
type SyncEvent struct {
	Type        EventType     `json:"type"`
	OperationID string        `json:"operationId,omitempty"`
	OpType      OperationType `json:"opType,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	Terminal    bool          `json:"terminal,omitempty"`
	Error       string        `json:"error,omitempty"`
	Timestamp   string        `json:"timestamp"`
}
