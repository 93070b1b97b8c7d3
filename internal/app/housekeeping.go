package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/chat-relay/internal/outbound"
)

const stuckReason = "processing interrupted; recovered by housekeeping"

type queueMaintainer interface {
	RecoverStuck(ctx context.Context, r outbound.Recovery) ([]outbound.StuckRequest, error)
	GetQueueStats(ctx context.Context, maxAttempts int) (*outbound.QueueStats, error)
}

type pairingSweeper interface {
	SweepPairings(ctx context.Context) (int64, error)
}

// housekeeper recovers abandoned sends, clears expired pairing codes and
// refreshes the queue gauges.
type housekeeper struct {
	queue       queueMaintainer
	pairings    pairingSweeper
	stuckAfter  time.Duration
	baseBackoff time.Duration
	maxAttempts int
	now         func() time.Time
}

func (h *housekeeper) tick(ctx context.Context) error {
	now := h.now()

	stuck, err := h.queue.RecoverStuck(ctx, outbound.Recovery{
		StuckBefore: now.Add(-h.stuckAfter),
		Now:         now,
		BaseBackoff: h.baseBackoff,
		MaxAttempts: h.maxAttempts,
		Reason:      stuckReason,
	})
	if err != nil {
		return fmt.Errorf("recover stuck sends: %w", err)
	}
	for _, s := range stuck {
		slog.Warn("recovered stuck send request", "send_request_id", s.ID, "attempts", s.Attempts)
	}

	cleared, err := h.pairings.SweepPairings(ctx)
	if err != nil {
		slog.Error("failed to sweep pairing challenges", "error", err)
	} else if cleared > 0 {
		slog.Info("expired pairing challenges cleared", "count", cleared)
	}

	stats, err := h.queue.GetQueueStats(ctx, h.maxAttempts)
	if err != nil {
		return fmt.Errorf("get queue stats: %w", err)
	}
	outbound.RecordQueueStats(stats)
	return nil
}
