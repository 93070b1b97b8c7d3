// Package postgres provides PostgreSQL implementation of the integrations repository.
package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements webhooks.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ListActive returns active integrations for a channel and the unbound ones.
func (r *Repository) ListActive(ctx context.Context, channelID int64) ([]domain.Integration, error) {
	query := `
		SELECT id, channel_id, url, secret, events, is_active, created_at
		FROM integrations
		WHERE is_active AND (channel_id IS NULL OR channel_id = $1)
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Integration, 0)
	for rows.Next() {
		var in domain.Integration
		var events []string
		if err := rows.Scan(&in.ID, &in.ChannelID, &in.URL, &in.Secret, &events, &in.IsActive, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		for _, e := range events {
			in.Events = append(in.Events, domain.IntegrationEvent(e))
		}
		result = append(result, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrations: %w", err)
	}
	return result, nil
}
