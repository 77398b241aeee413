package offsync

// SyncStatus is the derived, never-persisted view consumed by UI layers.
// QueueLength counts operations still awaiting delivery (pending, syncing,
// retrying); FailedCount counts terminal failures awaiting user disposition.
type SyncStatus struct {
	IsOnline    bool    `json:"isOnline"`
	QueueLength int     `json:"queueLength"`
	IsSyncing   bool    `json:"isSyncing"`
	FailedCount int     `json:"failedCount"`
	LastSyncAt  *string `json:"lastSyncAt,omitempty"`
}
