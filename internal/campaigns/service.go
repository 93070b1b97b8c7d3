package campaigns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Service handles operator actions on campaigns.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new campaign service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// LaunchResult reports the outcome of a launch.
type LaunchResult struct {
	Success         bool `json:"success"`
	RecipientsCount int  `json:"recipients_count"`
	AlreadyLaunched bool `json:"already_launched"`
}

// Get returns a campaign with its counters.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// Launch expands the audience of a draft campaign and schedules it.
// Launching a scheduled or running campaign is a no-op.
func (s *Service) Launch(ctx context.Context, id int64) (*LaunchResult, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if c.Status.IsLaunched() {
		return alreadyLaunched(c), nil
	}
	if c.Status != domain.CampaignDraft {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCampaignStatus, c.Status)
	}
	if c.Audience.IsEmpty() {
		return nil, ErrEmptyAudience
	}

	scheduledAt := s.now()
	if c.ScheduledAt != nil {
		scheduledAt = *c.ScheduledAt
	}

	count, err := s.repo.Launch(ctx, id, scheduledAt)
	if errors.Is(err, ErrStatusChanged) {
		// Lost a race with another launch or a cancel.
		c, err = s.repo.GetCampaign(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get campaign: %w", err)
		}
		if c.Status.IsLaunched() {
			return alreadyLaunched(c), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCampaignStatus, c.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("launch campaign: %w", err)
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignScheduled)).Inc()
	slog.Info("campaign launched", "campaign_id", id, "recipients", count, "scheduled_at", scheduledAt)

	return &LaunchResult{Success: true, RecipientsCount: count}, nil
}

func alreadyLaunched(c *domain.Campaign) *LaunchResult {
	return &LaunchResult{Success: true, RecipientsCount: c.TotalRecipients, AlreadyLaunched: true}
}

// Pause stops dispatching a running campaign.
func (s *Service) Pause(ctx context.Context, id int64) (*domain.Campaign, error) {
	reason := domain.PauseOperator
	return s.transition(ctx, id, domain.CampaignPaused, &reason)
}

// Resume continues a paused campaign and clears its pause reason.
func (s *Service) Resume(ctx context.Context, id int64) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignRunning, nil)
}

// Cancel stops a campaign for good. Recipients already queued are still sent.
func (s *Service) Cancel(ctx context.Context, id int64) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignCancelled, nil)
}

func (s *Service) transition(ctx context.Context, id int64, to domain.CampaignStatus, reason *domain.PauseReason) (*domain.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if err := c.Status.TransitionTo(to); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateStatus(ctx, StatusUpdate{
		CampaignID:  id,
		From:        []domain.CampaignStatus{c.Status},
		To:          to,
		PauseReason: reason,
		At:          s.now(),
	}); err != nil {
		return nil, fmt.Errorf("update campaign status: %w", err)
	}

	transitionsTotal.WithLabelValues(string(to)).Inc()
	slog.Info("campaign status changed", "campaign_id", id, "from", c.Status, "to", to)

	return s.Get(ctx, id)
}
