// Package postgres provides PostgreSQL implementation of the send queue repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/outbound"
	"github.com/bissquit/chat-relay/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both the pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sendRequestColumns = `id, conversation_id, message_id, priority, status, attempts, next_eligible_at, last_error, created_at, updated_at, sent_at`

const messageColumns = `id, conversation_id, direction, message_type, content, media_url, external_message_id, status, error_message, sent_at, delivered_at, read_at, failed_at, created_at`

// Source statuses allowed by the domain state machines for each status write.
var (
	claimableFrom   = domain.SendStatusesBefore(domain.SendStatusProcessing)
	sendableFrom    = domain.SendStatusesBefore(domain.SendStatusSent)
	failableFrom    = domain.SendStatusesBefore(domain.SendStatusFailed)
	messageSentFrom = domain.MessageStatusesBefore(domain.MessageStatusSent)
	messageFailFrom = domain.MessageStatusesBefore(domain.MessageStatusFailed)
)

// Repository implements outbound.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a queued send request after checking the conversation and message.
func (r *Repository) Enqueue(ctx context.Context, conversationID int64, messageID *int64, priority domain.Priority) (*outbound.SendRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := conversationExists(ctx, tx, conversationID); err != nil {
		return nil, err
	}

	if messageID != nil {
		var found bool
		query := `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`
		if err := tx.QueryRow(ctx, query, *messageID, conversationID).Scan(&found); err != nil {
			return nil, fmt.Errorf("check message: %w", err)
		}
		if !found {
			return nil, outbound.ErrMessageNotFound
		}
	}

	req, err := InsertSendRequest(ctx, tx, conversationID, messageID, priority)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return req, nil
}

// CreateOutboundMessage records a pending message and queues it in one transaction.
func (r *Repository) CreateOutboundMessage(ctx context.Context, msg *domain.Message, priority domain.Priority) (*domain.Message, *outbound.SendRequest, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := conversationExists(ctx, tx, msg.ConversationID); err != nil {
		return nil, nil, false, err
	}

	created, err := InsertMessage(ctx, tx, msg)
	if err != nil {
		return nil, nil, false, err
	}

	if !created {
		if msg.ExternalMessageID == nil {
			return nil, nil, false, errors.New("insert message: no row returned")
		}
		existing, err := findByExternalID(ctx, tx, msg.ConversationID, *msg.ExternalMessageID)
		if err != nil {
			return nil, nil, false, err
		}
		return existing, nil, false, nil
	}

	req, err := InsertSendRequest(ctx, tx, msg.ConversationID, &msg.ID, priority)
	if err != nil {
		return nil, nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, fmt.Errorf("commit transaction: %w", err)
	}
	return msg, req, true, nil
}

// InsertMessage inserts msg and fills its generated fields. It returns false
// without error when the external id is already stored for the conversation.
func InsertMessage(ctx context.Context, q DBTX, msg *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (conversation_id, direction, message_type, content, media_url, external_message_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_message_id, conversation_id) DO NOTHING
		RETURNING id, created_at
	`
	err := q.QueryRow(ctx, query,
		msg.ConversationID,
		msg.Direction,
		msg.Type,
		msg.Content,
		msg.MediaURL,
		msg.ExternalMessageID,
		msg.Status,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert message: %w", err)
	}
	return true, nil
}

// InsertSendRequest inserts a queued send request.
func InsertSendRequest(ctx context.Context, q DBTX, conversationID int64, messageID *int64, priority domain.Priority) (*outbound.SendRequest, error) {
	query := `
		INSERT INTO send_requests (conversation_id, message_id, priority)
		VALUES ($1, $2, $3)
		RETURNING ` + sendRequestColumns
	req, err := scanSendRequest(q.QueryRow(ctx, query, conversationID, messageID, priority))
	if err != nil {
		return nil, fmt.Errorf("insert send request: %w", err)
	}
	return req, nil
}

// FetchEligible returns requests ready for an attempt, highest priority and oldest first.
func (r *Repository) FetchEligible(ctx context.Context, maxAttempts, limit int, now time.Time) ([]*outbound.SendRequest, error) {
	query := `
		SELECT ` + sendRequestColumns + `
		FROM send_requests
		WHERE status = ANY($4::text[])
		  AND attempts < $1
		  AND next_eligible_at <= $2
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, maxAttempts, now, limit, claimableFrom)
	if err != nil {
		return nil, fmt.Errorf("fetch eligible: %w", err)
	}
	defer rows.Close()

	items := make([]*outbound.SendRequest, 0, limit)
	for rows.Next() {
		req, err := scanSendRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send requests: %w", err)
	}
	return items, nil
}

// Claim moves an eligible request to processing and consumes one attempt.
// A request that is no longer eligible, or whose message already has a request
// in processing, is not claimed.
func (r *Repository) Claim(ctx context.Context, id int64, maxAttempts int, now time.Time) (int, bool, error) {
	query := `
		UPDATE send_requests
		SET status = 'processing', attempts = attempts + 1, updated_at = $3
		WHERE id = $1
		  AND status = ANY($4::text[])
		  AND attempts < $2
		  AND next_eligible_at <= $3
		RETURNING attempts
	`
	var attempts int
	err := r.db.QueryRow(ctx, query, id, maxAttempts, now, claimableFrom).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsUniqueViolation(err, "send_requests_one_processing_per_message") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim send request: %w", err)
	}
	return attempts, true, nil
}

// LoadDelivery loads the message and routing data for a claimed request.
func (r *Repository) LoadDelivery(ctx context.Context, req *outbound.SendRequest) (*outbound.Delivery, error) {
	if req.MessageID == nil {
		return nil, outbound.ErrMessageNotFound
	}

	d := &outbound.Delivery{Request: req}

	convQuery := `SELECT channel_id, contact_address FROM conversations WHERE id = $1`
	err := r.db.QueryRow(ctx, convQuery, req.ConversationID).Scan(&d.ChannelID, &d.ContactAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbound.ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	msgQuery := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND conversation_id = $2`
	d.Message, err = scanMessage(r.db.QueryRow(ctx, msgQuery, *req.MessageID, req.ConversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbound.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	return d, nil
}

// MarkSent records a successful delivery on the request, its message and any campaign recipient.
func (r *Repository) MarkSent(ctx context.Context, requestID int64, externalID string, now time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var messageID *int64
	reqQuery := `
		UPDATE send_requests
		SET status = 'sent', sent_at = $2, last_error = '', updated_at = $2
		WHERE id = $1 AND status = ANY($3::text[])
		RETURNING message_id
	`
	if err := tx.QueryRow(ctx, reqQuery, requestID, now, sendableFrom).Scan(&messageID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outbound.ErrSendRequestNotFound
		}
		return fmt.Errorf("update send request: %w", err)
	}

	if messageID != nil {
		// An external id seen on another message of the conversation is not reassigned.
		msgQuery := `
			UPDATE messages m
			SET status = 'sent',
			    sent_at = COALESCE(m.sent_at, $2),
			    error_message = '',
			    external_message_id = CASE
			        WHEN $3 = '' THEN m.external_message_id
			        WHEN EXISTS (
			            SELECT 1 FROM messages o
			            WHERE o.conversation_id = m.conversation_id
			              AND o.external_message_id = $3
			              AND o.id <> m.id
			        ) THEN m.external_message_id
			        ELSE $3
			    END
			WHERE m.id = $1 AND m.status = ANY($4::text[])
		`
		if _, err := tx.Exec(ctx, msgQuery, *messageID, now, externalID, messageSentFrom); err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		recipientQuery := `
			WITH sent AS (
				UPDATE campaign_recipients
				SET status = 'sent', sent_at = $2, error_message = ''
				WHERE message_id = $1 AND status = 'pending'
				RETURNING campaign_id
			)
			UPDATE campaigns c
			SET messages_sent = c.messages_sent + 1, updated_at = $2
			FROM sent
			WHERE c.id = sent.campaign_id
		`
		if _, err := tx.Exec(ctx, recipientQuery, *messageID, now); err != nil {
			return fmt.Errorf("update campaign recipient: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Terminal failures also fail the linked campaign recipient.
func (r *Repository) MarkFailed(ctx context.Context, f outbound.Failure) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var messageID *int64
	query := `
		UPDATE send_requests
		SET status = 'failed',
		    last_error = $2,
		    next_eligible_at = $3,
		    attempts = GREATEST(attempts, $4),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5::text[])
		RETURNING message_id
	`
	if err := tx.QueryRow(ctx, query, f.RequestID, f.Error, f.NextEligibleAt, f.ExhaustAttempts, failableFrom).Scan(&messageID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outbound.ErrSendRequestNotFound
		}
		return fmt.Errorf("update send request: %w", err)
	}

	if messageID != nil {
		if err := failMessage(ctx, tx, *messageID, f.Error, f.Terminal); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecoverStuck fails processing requests not updated since r.StuckBefore and
// schedules them with backoff. Attempts are kept, so a request already at the
// ceiling becomes terminal.
func (r *Repository) RecoverStuck(ctx context.Context, rec outbound.Recovery) ([]outbound.StuckRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE send_requests
		SET status = 'failed',
		    last_error = $4,
		    next_eligible_at = $2::timestamptz + make_interval(secs => $3::double precision * power(2, LEAST(attempts, 20))),
		    updated_at = $2
		WHERE status = ANY($5::text[]) AND updated_at < $1
		RETURNING id, message_id, attempts
	`
	rows, err := tx.Query(ctx, query, rec.StuckBefore, rec.Now, rec.BaseBackoff.Seconds(), rec.Reason, failableFrom)
	if err != nil {
		return nil, fmt.Errorf("recover stuck: %w", err)
	}

	stuck := make([]outbound.StuckRequest, 0)
	for rows.Next() {
		var s outbound.StuckRequest
		if err := rows.Scan(&s.ID, &s.MessageID, &s.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stuck request: %w", err)
		}
		stuck = append(stuck, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck requests: %w", err)
	}

	for _, s := range stuck {
		if s.MessageID == nil {
			continue
		}
		if err := failMessage(ctx, tx, *s.MessageID, rec.Reason, s.Attempts >= rec.MaxAttempts); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return stuck, nil
}

// GetQueueStats counts requests by scheduling state.
func (r *Repository) GetQueueStats(ctx context.Context, maxAttempts int) (*outbound.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempts < $1),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempts >= $1)
		FROM send_requests
	`
	var stats outbound.QueueStats
	err := r.db.QueryRow(ctx, query, maxAttempts).Scan(
		&stats.Queued,
		&stats.Processing,
		&stats.Sent,
		&stats.Retrying,
		&stats.Exhausted,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func failMessage(ctx context.Context, tx pgx.Tx, messageID int64, reason string, terminal bool) error {
	msgQuery := `
		UPDATE messages
		SET status = 'failed', error_message = $2, failed_at = NOW()
		WHERE id = $1 AND status = ANY($3::text[])
	`
	if _, err := tx.Exec(ctx, msgQuery, messageID, reason, messageFailFrom); err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	if !terminal {
		return nil
	}

	recipientQuery := `
		WITH failed AS (
			UPDATE campaign_recipients
			SET status = 'failed', error_message = $2
			WHERE message_id = $1 AND status = 'pending'
			RETURNING campaign_id
		)
		UPDATE campaigns c
		SET messages_failed = c.messages_failed + 1, updated_at = NOW()
		FROM failed
		WHERE c.id = failed.campaign_id
	`
	if _, err := tx.Exec(ctx, recipientQuery, messageID, reason); err != nil {
		return fmt.Errorf("fail campaign recipient: %w", err)
	}
	return nil
}

func conversationExists(ctx context.Context, q DBTX, id int64) error {
	var found bool
	query := `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`
	if err := q.QueryRow(ctx, query, id).Scan(&found); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if !found {
		return outbound.ErrConversationNotFound
	}
	return nil
}

func findByExternalID(ctx context.Context, q DBTX, conversationID int64, externalID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND external_message_id = $2`
	msg, err := scanMessage(q.QueryRow(ctx, query, conversationID, externalID))
	if err != nil {
		return nil, fmt.Errorf("get message by external id: %w", err)
	}
	return msg, nil
}

func scanSendRequest(row pgx.Row) (*outbound.SendRequest, error) {
	var req outbound.SendRequest
	err := row.Scan(
		&req.ID,
		&req.ConversationID,
		&req.MessageID,
		&req.Priority,
		&req.Status,
		&req.Attempts,
		&req.NextEligibleAt,
		&req.LastError,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Direction,
		&m.Type,
		&m.Content,
		&m.MediaURL,
		&m.ExternalMessageID,
		&m.Status,
		&m.ErrorMessage,
		&m.SentAt,
		&m.DeliveredAt,
		&m.ReadAt,
		&m.FailedAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
