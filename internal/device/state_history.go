package device

import (
	"context"
	"time"
)

// Reasons recorded with a history entry.
const (
	HistoryReasonAdvertisement = "advertisement"
	HistoryReasonDecodeError   = "decode_error"
	HistoryReasonStale         = "stale"
)

// StateHistoryEntry is one recorded state change.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	MAC       MAC       `json:"mac"`
	State     State     `json:"state"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores state changes so that recent history
// survives without the time-series database.
type StateHistoryRepository interface {
	// RecordStateChange appends an entry stamped at.
	RecordStateChange(ctx context.Context, mac MAC, state State, available bool, reason string, at time.Time) error

	// GetHistory returns up to limit entries for mac, newest first.
	GetHistory(ctx context.Context, mac MAC, limit int) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than olderThan.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
