package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/periodic"
)

// maxBackoffShift bounds the exponent so the backoff cannot overflow.
const maxBackoffShift = 20

// Sender delivers a message over a channel's live session.
type Sender interface {
	Send(ctx context.Context, channelID int64, msg domain.OutgoingMessage) (externalID string, err error)
}

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	SendTimeout    time.Duration
	LastErrorLimit int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      10,
		PollInterval:   2 * time.Second,
		MaxRetries:     5,
		BaseBackoff:    30 * time.Second,
		SendTimeout:    15 * time.Second,
		LastErrorLimit: 500,
	}
}

// Worker drains the send queue one tick at a time.
// A single Worker per process is assumed; claims are not leased.
type Worker struct {
	config WorkerConfig
	repo   Repository
	sender Sender
	runner *periodic.Runner
	now    func() time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(config WorkerConfig, repo Repository, sender Sender) *Worker {
	w := &Worker{
		config: config,
		repo:   repo,
		sender: sender,
		now:    time.Now,
	}
	w.runner = periodic.New("outbound-queue", config.PollInterval, w.Tick)
	return w
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting outbound worker",
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"max_retries", w.config.MaxRetries,
	)
	w.runner.Start(ctx)
}

// Stop waits for the current tick to finish and stops polling.
func (w *Worker) Stop() {
	w.runner.Stop()
}

// Tick processes one batch of eligible send requests in priority order.
func (w *Worker) Tick(ctx context.Context) error {
	items, err := w.repo.FetchEligible(ctx, w.config.MaxRetries, w.config.BatchSize, w.now())
	if err != nil {
		return fmt.Errorf("fetch eligible send requests: %w", err)
	}

	if len(items) == 0 {
		return nil
	}

	slog.Debug("processing send requests", "count", len(items))
	recordFetched(len(items))

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.processItem(ctx, item)
	}
	return nil
}

func (w *Worker) processItem(ctx context.Context, req *SendRequest) {
	if !req.Status.IsClaimable() {
		slog.Error("refusing to claim send request", "send_request_id", req.ID, "status", req.Status)
		return
	}
	attempts, claimed, err := w.repo.Claim(ctx, req.ID, w.config.MaxRetries, w.now())
	if err != nil {
		slog.Error("failed to claim send request", "send_request_id", req.ID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("send request no longer eligible, skipping", "send_request_id", req.ID)
		recordOutcome(outcomeClaimLost)
		return
	}
	req.Attempts = attempts
	if err := advance(req, domain.SendStatusProcessing); err != nil {
		slog.Error("claimed send request in unexpected state", "send_request_id", req.ID, "error", err)
		return
	}

	delivery, err := w.repo.LoadDelivery(ctx, req)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrConversationNotFound) {
			w.failTerminal(ctx, req, err)
			return
		}
		w.handleSendError(ctx, req, err)
		return
	}

	if delivery.Message.Status.TransitionTo(domain.MessageStatusSent) != nil {
		// Delivered by an earlier request for the same message.
		externalID := ""
		if delivery.Message.ExternalMessageID != nil {
			externalID = *delivery.Message.ExternalMessageID
		}
		if w.markSent(ctx, req, externalID) {
			recordOutcome(outcomeAlreadySent)
		}
		return
	}

	msg, err := buildOutgoing(delivery)
	if err != nil {
		w.failTerminal(ctx, req, err)
		return
	}

	// The send outlives shutdown of ctx; only its own timeout bounds it.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.SendTimeout)
	start := time.Now()
	externalID, err := w.sender.Send(sendCtx, delivery.ChannelID, msg)
	duration := time.Since(start)
	cancel()

	if err != nil {
		recordSendDuration("error", duration)
		w.handleSendError(ctx, req, err)
		return
	}
	recordSendDuration("success", duration)

	if !w.markSent(ctx, req, externalID) {
		return
	}

	recordOutcome(outcomeSent)
	slog.Debug("message sent",
		"send_request_id", req.ID,
		"channel_id", delivery.ChannelID,
		"attempt", req.Attempts,
		"duration", duration,
	)
}

func buildOutgoing(d *Delivery) (domain.OutgoingMessage, error) {
	to := domain.NormalizeAddress(d.ContactAddress)
	if to == "" {
		return domain.OutgoingMessage{}, ErrMissingAddress
	}

	m := d.Message
	switch {
	case !m.Type.IsValid():
		return domain.OutgoingMessage{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	case m.Type.IsMedia() && m.MediaURL == "":
		return domain.OutgoingMessage{}, fmt.Errorf("%w: %s without media url", ErrInvalidMessage, m.Type)
	case m.Type == domain.MessageTypeText && m.Content == "":
		return domain.OutgoingMessage{}, fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}

	return domain.OutgoingMessage{
		To:       to,
		Type:     m.Type,
		Text:     m.Content,
		MediaURL: m.MediaURL,
	}, nil
}

func (w *Worker) handleSendError(ctx context.Context, req *SendRequest, err error) {
	if !IsRetryable(err) {
		w.failTerminal(ctx, req, err)
		return
	}

	exhausted := req.Attempts >= w.config.MaxRetries
	nextAttempt := w.calculateNextAttempt(req.Attempts)

	slog.Warn("send failed",
		"send_request_id", req.ID,
		"attempt", req.Attempts,
		"max_attempts", w.config.MaxRetries,
		"error", err,
	)

	if !w.markFailed(ctx, req, Failure{
		RequestID:      req.ID,
		Error:          w.truncate(err.Error()),
		NextEligibleAt: nextAttempt,
		Terminal:       exhausted,
	}) {
		return
	}

	if exhausted {
		recordOutcome(outcomeExhausted)
		slog.Warn("send request exhausted", "send_request_id", req.ID, "attempts", req.Attempts)
		return
	}

	recordOutcome(outcomeRetry)
	slog.Info("send scheduled for retry",
		"send_request_id", req.ID,
		"next_attempt", nextAttempt,
	)
}

// failTerminal fails a request that can never succeed and removes it from scheduling.
func (w *Worker) failTerminal(ctx context.Context, req *SendRequest, err error) {
	slog.Warn("send request failed permanently", "send_request_id", req.ID, "error", err)

	if !w.markFailed(ctx, req, Failure{
		RequestID:       req.ID,
		Error:           w.truncate(err.Error()),
		NextEligibleAt:  w.now(),
		Terminal:        true,
		ExhaustAttempts: w.config.MaxRetries,
	}) {
		return
	}
	recordOutcome(outcomeTerminal)
}

// advance moves req to next, refusing changes the send state machine forbids.
func advance(req *SendRequest, next domain.SendStatus) error {
	if err := req.Status.TransitionTo(next); err != nil {
		return fmt.Errorf("send request %d: %w", req.ID, err)
	}
	req.Status = next
	return nil
}

func (w *Worker) markSent(ctx context.Context, req *SendRequest, externalID string) bool {
	if err := advance(req, domain.SendStatusSent); err != nil {
		slog.Error("failed to mark as sent", "send_request_id", req.ID, "error", err)
		return false
	}
	if err := w.repo.MarkSent(ctx, req.ID, externalID, w.now()); err != nil {
		slog.Error("failed to mark as sent", "send_request_id", req.ID, "error", err)
		return false
	}
	return true
}

func (w *Worker) markFailed(ctx context.Context, req *SendRequest, f Failure) bool {
	if err := advance(req, domain.SendStatusFailed); err != nil {
		slog.Error("failed to mark as failed", "send_request_id", req.ID, "error", err)
		return false
	}
	if err := w.repo.MarkFailed(ctx, f); err != nil {
		slog.Error("failed to mark as failed", "send_request_id", req.ID, "error", err)
		return false
	}
	return true
}

// calculateNextAttempt returns now + BaseBackoff * 2^attempts.
func (w *Worker) calculateNextAttempt(attempts int) time.Time {
	shift := min(max(attempts, 0), maxBackoffShift)
	return w.now().Add(w.config.BaseBackoff * time.Duration(1<<shift))
}

func (w *Worker) truncate(s string) string {
	limit := w.config.LastErrorLimit
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
