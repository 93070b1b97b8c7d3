// Package authstate persists device-link auth state in a local SQLite file.
// State blobs are sealed before they are written.
package authstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Codec seals and opens state blobs.
type Codec interface {
	Seal(plaintext []byte) (string, error)
	Open(encoded string) ([]byte, error)
}

// Store keeps one auth state blob per channel.
type Store struct {
	db    *sql.DB
	codec Codec
}

// Open opens or creates the store at path.
func Open(path string, codec Codec) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create auth state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open auth state database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS auth_state (
			channel_id INTEGER PRIMARY KEY,
			state      TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create auth state table: %w", err)
	}

	return &Store{db: db, codec: codec}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the auth state of a channel, or nil when none is stored.
func (s *Store) Load(ctx context.Context, channelID int64) ([]byte, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM auth_state WHERE channel_id = ?`, channelID).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load auth state: %w", err)
	}

	state, err := s.codec.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open auth state: %w", err)
	}
	return state, nil
}

// Save replaces the auth state of a channel.
func (s *Store) Save(ctx context.Context, channelID int64, state []byte) error {
	sealed, err := s.codec.Seal(state)
	if err != nil {
		return fmt.Errorf("seal auth state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_state (channel_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, channelID, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}

// Delete removes the auth state of a channel. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, channelID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_state WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete auth state: %w", err)
	}
	return nil
}
