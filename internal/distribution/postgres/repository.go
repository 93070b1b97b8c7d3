// Package postgres provides PostgreSQL implementation of the distribution repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/chat-relay/internal/distribution"
	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements distribution.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Assign locks the settings row, picks an agent and stores it on the
// conversation together with the cursor. The settings lock serializes
// concurrent assignments so the cursor never hands out the same agent twice
// in a row.
func (r *Repository) Assign(ctx context.Context, conversationID int64, pick distribution.PickFunc) (*distribution.Assignment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var settings domain.DistributionSettings
	err = tx.QueryRow(ctx, `
		SELECT mode, excluded_agent_ids, last_assigned_agent_id
		FROM distribution_settings
		WHERE id = 1
		FOR UPDATE
	`).Scan(&settings.Mode, &settings.ExcludedAgentIDs, &settings.LastAssignedAgentID)
	if errors.Is(err, pgx.ErrNoRows) {
		settings.Mode = domain.DistributionManual
	} else if err != nil {
		return nil, fmt.Errorf("lock distribution settings: %w", err)
	}

	res := &distribution.Assignment{ConversationID: conversationID}
	err = tx.QueryRow(ctx, `
		SELECT channel_id, contact_id, assigned_agent_id
		FROM conversations
		WHERE id = $1
		FOR UPDATE
	`, conversationID).Scan(&res.ChannelID, &res.ContactID, &res.AssignedAgentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, distribution.ErrConversationNotFound
		}
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	if res.AssignedAgentID != nil {
		return res, nil
	}

	candidates, err := eligibleAgents(ctx, tx, settings.ExcludedAgentIDs)
	if err != nil {
		return nil, err
	}

	agentID, ok := pick(settings, candidates)
	if !ok {
		return res, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET assigned_agent_id = $2 WHERE id = $1`, conversationID, agentID); err != nil {
		return nil, fmt.Errorf("assign conversation: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE distribution_settings SET last_assigned_agent_id = $1 WHERE id = 1`, agentID); err != nil {
		return nil, fmt.Errorf("update distribution cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	res.AssignedAgentID = &agentID
	res.Changed = true
	return res, nil
}

func eligibleAgents(ctx context.Context, tx pgx.Tx, excluded []int64) ([]int64, error) {
	if excluded == nil {
		excluded = []int64{}
	}
	rows, err := tx.Query(ctx, `
		SELECT id
		FROM agents
		WHERE is_active AND role <> $1 AND NOT (id = ANY($2::bigint[]))
		ORDER BY id
	`, string(domain.AgentRoleViewer), excluded)
	if err != nil {
		return nil, fmt.Errorf("list eligible agents: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan eligible agents: %w", err)
	}
	return ids, nil
}
