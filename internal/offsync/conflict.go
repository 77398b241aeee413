package offsync

import (
	"encoding/json"
	"time"
)

// SyncEntity is one version of a synchronized record, as seen locally or
// reported back by the remote store when a delivery collides.
type SyncEntity struct {
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	VectorClock  VectorClock     `json:"vectorClock"`
	LastModified time.Time       `json:"lastModified"`
	DeviceID     string          `json:"deviceId"`
}

// ConflictOutcome says how a local/remote collision was settled.
type ConflictOutcome int

const (
	// OutcomeLocalWins: the local operation stays queued and is redelivered.
	OutcomeLocalWins ConflictOutcome = iota
	// OutcomeRemoteWins: the remote copy supersedes the local operation,
	// which is dropped as already applied.
	OutcomeRemoteWins
	// OutcomeManual: concurrent edits too close to call; the operation is
	// surfaced to the user instead of being decided silently.
	OutcomeManual
)

func (o ConflictOutcome) String() string {
	switch o {
	case OutcomeLocalWins:
		return "local_wins"
	case OutcomeRemoteWins:
		return "remote_wins"
	case OutcomeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// manualResolutionWindow bounds last-write-wins: concurrent edits whose
// timestamps land within this window are escalated to the user.
const manualResolutionWindow = time.Second

// ResolveConflict orders two versions of the same entity. Causally ordered
// versions resolve without conflict; concurrent versions fall back to
// last-write-wins unless their timestamps are too close to trust.
func ResolveConflict(local, remote SyncEntity) ConflictOutcome {
	if local.VectorClock.Equal(remote.VectorClock) {
		// Same version on both sides: the change is already there.
		return OutcomeRemoteWins
	}
	if local.VectorClock.HappensBefore(remote.VectorClock) {
		return OutcomeRemoteWins
	}
	if remote.VectorClock.HappensBefore(local.VectorClock) {
		return OutcomeLocalWins
	}
	if local.VectorClock.Concurrent(remote.VectorClock) {
		gap := local.LastModified.Sub(remote.LastModified)
		if gap < 0 {
			gap = -gap
		}
		if gap < manualResolutionWindow {
			return OutcomeManual
		}
		if local.LastModified.After(remote.LastModified) {
			return OutcomeLocalWins
		}
		return OutcomeRemoteWins
	}
	return OutcomeLocalWins
}
