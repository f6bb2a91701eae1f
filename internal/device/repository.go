package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteBindingStore implements BindingStore on the ble_devices table.
type SQLiteBindingStore struct {
	db *sql.DB
}

// NewSQLiteBindingStore creates a store on an open, migrated database.
func NewSQLiteBindingStore(db *sql.DB) *SQLiteBindingStore {
	return &SQLiteBindingStore{db: db}
}

// List returns every stored binding ordered by MAC.
func (s *SQLiteBindingStore) List(ctx context.Context) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac, kind, name, session_token FROM ble_devices ORDER BY mac`)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var (
			mac, kind, name string
			token           []byte
		)
		if err := rows.Scan(&mac, &kind, &name, &token); err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		parsed, err := ParseMAC(mac)
		if err != nil {
			return nil, fmt.Errorf("stored binding: %w", err)
		}
		out = append(out, Binding{MAC: parsed, Kind: Kind(kind), Name: name, SessionToken: token})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bindings: %w", err)
	}
	return out, nil
}

// Save inserts or replaces the binding for b.MAC.
func (s *SQLiteBindingStore) Save(ctx context.Context, b Binding) error {
	var token any
	if len(b.SessionToken) > 0 {
		token = b.SessionToken
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ble_devices (mac, kind, name, session_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mac) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			session_token = excluded.session_token,
			updated_at = excluded.updated_at`,
		b.MAC.String(), string(b.Kind), b.Name, token, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving binding %s: %w", b.MAC, err)
	}
	return nil
}

// Delete removes the binding for mac. Deleting an unknown MAC returns
// ErrDeviceNotFound.
func (s *SQLiteBindingStore) Delete(ctx context.Context, mac MAC) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ble_devices WHERE mac = ?`, mac.String())
	if err != nil {
		return fmt.Errorf("deleting binding %s: %w", mac, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting binding %s: %w", mac, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
