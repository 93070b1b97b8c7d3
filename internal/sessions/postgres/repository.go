// Package postgres provides PostgreSQL implementation of the sessions repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/sessions"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `channel_id, kind, credentials, provider_ref, is_connected, last_seen_at, pairing_code, pairing_expires_at, updated_at`

// Repository implements sessions.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetChannel returns a channel identity by id.
func (r *Repository) GetChannel(ctx context.Context, channelID int64) (*domain.Channel, error) {
	query := `SELECT id, display_name, address, status FROM channels WHERE id = $1`

	var c domain.Channel
	err := r.db.QueryRow(ctx, query, channelID).Scan(&c.ID, &c.DisplayName, &c.Address, &c.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sessions.ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &c, nil
}

// GetSession returns the stored session of a channel.
func (r *Repository) GetSession(ctx context.Context, channelID int64) (*domain.ChannelSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM channel_sessions WHERE channel_id = $1`

	s, err := scanSession(r.db.QueryRow(ctx, query, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// SaveSession creates or updates the session's kind and credentials.
func (r *Repository) SaveSession(ctx context.Context, s *domain.ChannelSession) error {
	query := `
		INSERT INTO channel_sessions (channel_id, kind, credentials, provider_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    credentials = EXCLUDED.credentials,
		    provider_ref = EXCLUDED.provider_ref,
		    updated_at = NOW()
		RETURNING updated_at
	`
	if err := r.db.QueryRow(ctx, query, s.ChannelID, s.Kind, s.Credentials, s.ProviderRef).Scan(&s.UpdatedAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// RecordState stores connectivity. Connecting clears the pairing challenge
// and activates the owning channel in the same transaction.
func (r *Repository) RecordState(ctx context.Context, channelID int64, connected bool, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE channel_sessions
		SET is_connected = $2,
		    last_seen_at = $3,
		    pairing_code = CASE WHEN $2 THEN '' ELSE pairing_code END,
		    pairing_expires_at = CASE WHEN $2 THEN NULL ELSE pairing_expires_at END,
		    updated_at = NOW()
		WHERE channel_id = $1
	`
	result, err := tx.Exec(ctx, query, channelID, connected, at)
	if err != nil {
		return fmt.Errorf("record session state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return sessions.ErrSessionNotFound
	}

	if connected {
		if err := setChannelStatus(ctx, tx, channelID, domain.ChannelStatusActive); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SavePairing stores the current pairing challenge.
func (r *Repository) SavePairing(ctx context.Context, channelID int64, code string, expiresAt time.Time) error {
	query := `
		UPDATE channel_sessions
		SET pairing_code = $2, pairing_expires_at = $3, updated_at = NOW()
		WHERE channel_id = $1
	`
	result, err := r.db.Exec(ctx, query, channelID, code, expiresAt)
	if err != nil {
		return fmt.Errorf("save pairing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// SetChannelStatus updates the status of a channel identity.
func (r *Repository) SetChannelStatus(ctx context.Context, channelID int64, status domain.ChannelStatus) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := setChannelStatus(ctx, tx, channelID, status); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Purge clears credentials and pairing data and marks the channel disconnected.
func (r *Repository) Purge(ctx context.Context, channelID int64, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE channel_sessions
		SET credentials = '',
		    is_connected = FALSE,
		    last_seen_at = $2,
		    pairing_code = '',
		    pairing_expires_at = NULL,
		    updated_at = NOW()
		WHERE channel_id = $1
	`
	if _, err := tx.Exec(ctx, query, channelID, at); err != nil {
		return fmt.Errorf("purge session: %w", err)
	}

	if err := setChannelStatus(ctx, tx, channelID, domain.ChannelStatusDisconnected); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListConnected returns sessions flagged connected, in channel order.
func (r *Repository) ListConnected(ctx context.Context) ([]domain.ChannelSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM channel_sessions WHERE is_connected ORDER BY channel_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connected sessions: %w", err)
	}
	defer rows.Close()

	var result []domain.ChannelSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

// ClearExpiredPairings removes pairing challenges that expired before now.
func (r *Repository) ClearExpiredPairings(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE channel_sessions
		SET pairing_code = '', pairing_expires_at = NULL, updated_at = NOW()
		WHERE pairing_expires_at IS NOT NULL AND pairing_expires_at <= $1
	`
	result, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired pairings: %w", err)
	}
	return result.RowsAffected(), nil
}

func setChannelStatus(ctx context.Context, tx pgx.Tx, channelID int64, status domain.ChannelStatus) error {
	query := `UPDATE channels SET status = $2, updated_at = NOW() WHERE id = $1`
	result, err := tx.Exec(ctx, query, channelID, status)
	if err != nil {
		return fmt.Errorf("update channel status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return sessions.ErrChannelNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.ChannelSession, error) {
	var s domain.ChannelSession
	err := row.Scan(
		&s.ChannelID, &s.Kind, &s.Credentials, &s.ProviderRef, &s.IsConnected,
		&s.LastSeenAt, &s.PairingCode, &s.PairingExpiresAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
