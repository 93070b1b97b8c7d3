// Package postgres provides PostgreSQL implementation of the campaigns repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/chat-relay/internal/campaigns"
	"github.com/bissquit/chat-relay/internal/domain"
	outboundpg "github.com/bissquit/chat-relay/internal/outbound/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const campaignColumns = `id, name, message, template_id, audience, channel_id, status, pause_reason,
	scheduled_at, started_at, completed_at, total_recipients,
	messages_sent, messages_delivered, messages_read, messages_failed, created_at`

// Repository implements campaigns.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetCampaign returns a campaign by id.
func (r *Repository) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, campaigns.ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns in a status, oldest first.
func (r *Repository) ListCampaigns(ctx context.Context, filter campaigns.ListFilter) ([]domain.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = $1
		  AND ($2::timestamptz IS NULL OR COALESCE(scheduled_at, created_at) <= $2)
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, filter.Status, filter.DueBefore)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return result, nil
}

// UpdateStatus changes the campaign status while it is in one of u.From.
// Entering running stamps started_at once; final statuses stamp completed_at.
func (r *Repository) UpdateStatus(ctx context.Context, u campaigns.StatusUpdate) error {
	from := make([]string, len(u.From))
	for i, s := range u.From {
		from[i] = string(s)
	}

	query := `
		UPDATE campaigns
		SET status = $2,
		    pause_reason = $3,
		    started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $4) ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN $4 ELSE completed_at END,
		    updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`
	tag, err := r.db.Exec(ctx, query, u.CampaignID, u.To, u.PauseReason, u.At, from)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrChanged(ctx, u.CampaignID)
	}
	return nil
}

// Launch expands the audience and schedules a draft campaign in one transaction.
func (r *Repository) Launch(ctx context.Context, id int64, scheduledAt time.Time) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var audience domain.Audience
	lockQuery := `SELECT audience FROM campaigns WHERE id = $1 AND status = 'draft' FOR UPDATE`
	if err := tx.QueryRow(ctx, lockQuery, id).Scan(&audience); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, r.missingOrChanged(ctx, id)
		}
		return 0, fmt.Errorf("lock campaign: %w", err)
	}

	contactIDs := audience.ContactIDs
	if contactIDs == nil {
		contactIDs = []int64{}
	}

	// Overlapping selectors hit the (campaign_id, contact_id) constraint;
	// those rows are expected duplicates.
	expandQuery := `
		INSERT INTO campaign_recipients (campaign_id, contact_id)
		SELECT $1, c.id
		FROM contacts c
		WHERE ($2::bigint IS NOT NULL AND c.pipeline_stage_id = $2)
		   OR c.id = ANY($3::bigint[])
		ORDER BY c.id
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, expandQuery, id, audience.PipelineStageID, contactIDs); err != nil {
		return 0, fmt.Errorf("expand audience: %w", err)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1`
	if err := tx.QueryRow(ctx, countQuery, id).Scan(&total); err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	if total == 0 {
		return 0, campaigns.ErrEmptyAudience
	}

	scheduleQuery := `
		UPDATE campaigns
		SET status = 'scheduled', scheduled_at = $2, total_recipients = $3, pause_reason = NULL, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, scheduleQuery, id, scheduledAt, total); err != nil {
		return 0, fmt.Errorf("schedule campaign: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}

// TemplateBody returns the body of a message template.
func (r *Repository) TemplateBody(ctx context.Context, templateID int64) (string, error) {
	var body string
	err := r.db.QueryRow(ctx, `SELECT body FROM message_templates WHERE id = $1`, templateID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", campaigns.ErrTemplateMissing
		}
		return "", fmt.Errorf("get template: %w", err)
	}
	return body, nil
}

// PendingRecipients returns recipients that have no message yet, with their contact.
func (r *Repository) PendingRecipients(ctx context.Context, campaignID int64, limit int) ([]campaigns.Target, error) {
	query := `
		SELECT r.id, r.channel_id,
		       c.id, c.name, c.phone, c.email, c.pipeline_stage_id,
		       (SELECT COALESCE(jsonb_object_agg(a.key, a.value #>> '{}'), '{}'::jsonb)
		        FROM jsonb_each(c.attributes) a
		        WHERE jsonb_typeof(a.value) <> 'null')
		FROM campaign_recipients r
		JOIN contacts c ON c.id = r.contact_id
		WHERE r.campaign_id = $1 AND r.status = 'pending' AND r.message_id IS NULL
		ORDER BY r.id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending recipients: %w", err)
	}
	defer rows.Close()

	targets := make([]campaigns.Target, 0, limit)
	for rows.Next() {
		var t campaigns.Target
		if err := rows.Scan(
			&t.RecipientID,
			&t.ChannelID,
			&t.Contact.ID,
			&t.Contact.Name,
			&t.Contact.Phone,
			&t.Contact.Email,
			&t.Contact.PipelineStageID,
			&t.Contact.Attributes,
		); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return targets, nil
}

// Dispatch links a recipient to a new pending message and its send request.
func (r *Repository) Dispatch(ctx context.Context, in campaigns.DispatchInput) (*campaigns.Dispatched, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var locked int64
	lockQuery := `
		SELECT id FROM campaign_recipients
		WHERE id = $1 AND campaign_id = $2 AND status = 'pending' AND message_id IS NULL
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, lockQuery, in.RecipientID, in.CampaignID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, campaigns.ErrAlreadyDispatched
		}
		return nil, fmt.Errorf("lock recipient: %w", err)
	}

	res := &campaigns.Dispatched{}
	res.ConversationID, res.ConversationCreated, err = findOrCreateConversation(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: res.ConversationID,
		Direction:      domain.DirectionOutbound,
		Type:           domain.MessageTypeText,
		Content:        in.Text,
		Status:         domain.MessageStatusPending,
	}
	if _, err := outboundpg.InsertMessage(ctx, tx, msg); err != nil {
		return nil, err
	}
	res.MessageID = msg.ID

	req, err := outboundpg.InsertSendRequest(ctx, tx, res.ConversationID, &msg.ID, domain.PriorityNormal)
	if err != nil {
		return nil, err
	}
	res.SendRequestID = req.ID

	linkQuery := `UPDATE campaign_recipients SET message_id = $2, channel_id = $3 WHERE id = $1`
	if _, err := tx.Exec(ctx, linkQuery, in.RecipientID, msg.ID, in.ChannelID); err != nil {
		return nil, fmt.Errorf("link recipient: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

func findOrCreateConversation(ctx context.Context, tx pgx.Tx, in campaigns.DispatchInput) (int64, bool, error) {
	var id int64
	insertQuery := `
		INSERT INTO conversations (channel_id, contact_id, contact_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, contact_address) DO NOTHING
		RETURNING id
	`
	err := tx.QueryRow(ctx, insertQuery, in.ChannelID, in.ContactID, in.Address).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("create conversation: %w", err)
	}

	selectQuery := `SELECT id FROM conversations WHERE channel_id = $1 AND contact_address = $2`
	if err := tx.QueryRow(ctx, selectQuery, in.ChannelID, in.Address).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("get conversation: %w", err)
	}
	return id, false, nil
}

// FailRecipient fails a pending recipient and increments the campaign failed counter.
func (r *Repository) FailRecipient(ctx context.Context, campaignID, recipientID int64, reason string) error {
	query := `
		WITH failed AS (
			UPDATE campaign_recipients
			SET status = 'failed', error_message = $3
			WHERE id = $2 AND campaign_id = $1 AND status = 'pending'
			RETURNING campaign_id
		)
		UPDATE campaigns c
		SET messages_failed = c.messages_failed + 1, updated_at = NOW()
		FROM failed
		WHERE c.id = failed.campaign_id
	`
	if _, err := r.db.Exec(ctx, query, campaignID, recipientID, reason); err != nil {
		return fmt.Errorf("fail recipient: %w", err)
	}
	return nil
}

func (r *Repository) missingOrChanged(ctx context.Context, id int64) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return campaigns.ErrCampaignNotFound
	}
	return campaigns.ErrStatusChanged
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Message,
		&c.TemplateID,
		&c.Audience,
		&c.ChannelID,
		&c.Status,
		&c.PauseReason,
		&c.ScheduledAt,
		&c.StartedAt,
		&c.CompletedAt,
		&c.TotalRecipients,
		&c.MessagesSent,
		&c.MessagesDelivered,
		&c.MessagesRead,
		&c.MessagesFailed,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
