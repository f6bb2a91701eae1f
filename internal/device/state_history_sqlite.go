package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// historyTimeLayout is fixed-width so text order equals time order.
	historyTimeLayout = "2006-01-02T15:04:05.000Z"
)

// SQLiteStateHistoryRepository implements StateHistoryRepository on the
// state_history table, storing each state as JSON.
type SQLiteStateHistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStateHistoryRepository creates a repository on an open,
// migrated database.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db, now: time.Now}
}

// RecordStateChange inserts one entry.
func (r *SQLiteStateHistoryRepository) RecordStateChange(ctx context.Context, mac MAC, state State, available bool, reason string, at time.Time) error {
	if mac.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidMAC)
	}
	if reason == "" {
		reason = HistoryReasonAdvertisement
	}
	if at.IsZero() {
		at = r.now()
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO state_history (mac, state, available, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		mac.String(), string(stateJSON), boolToInt(available), reason, at.UTC().Format(historyTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns entries for mac, newest first. limit defaults to 50
// and is capped at 200.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, mac MAC, limit int) ([]StateHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, state, available, reason, created_at
		 FROM state_history
		 WHERE mac = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		mac.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]StateHistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e         = StateHistoryEntry{MAC: mac}
			stateJSON string
			available int
			createdAt string
		)
		if err := rows.Scan(&e.ID, &stateJSON, &available, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
		e.Available = available != 0
		if e.CreatedAt, err = parseHistoryTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than olderThan and returns the count.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := r.now().Add(-olderThan).UTC().Format(historyTimeLayout)

	res, err := r.db.ExecContext(ctx, `DELETE FROM state_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	return n, nil
}

// parseHistoryTimestamp accepts the layout written by RecordStateChange and
// the SQLite column default.
func parseHistoryTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{historyTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing history timestamp %q", value)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
