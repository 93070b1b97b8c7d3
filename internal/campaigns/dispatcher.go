// Package campaigns launches campaigns and feeds their recipients into the send queue.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/periodic"
	"github.com/bissquit/chat-relay/internal/sessions"
)

// ChannelResolver picks a connected channel out of the given candidates.
type ChannelResolver interface {
	ResolveChannel(candidates ...int64) (int64, error)
}

// ConversationObserver is told about conversations the dispatcher creates.
type ConversationObserver interface {
	OnConversationCreated(ctx context.Context, conversationID int64)
}

// EventPublisher delivers integration events. Delivery failures never reach the caller.
type EventPublisher interface {
	Publish(ctx context.Context, channelID int64, event domain.IntegrationEvent, data any)
}

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// DefaultChannelID is tried after the recipient and campaign channels. Zero means none.
	DefaultChannelID int64
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: 60 * time.Second,
		BatchSize:    50,
	}
}

// Dispatcher promotes due campaigns and turns their recipients into queued messages.
type Dispatcher struct {
	config   DispatcherConfig
	repo     Repository
	channels ChannelResolver
	observer ConversationObserver
	events   EventPublisher
	runner   *periodic.Runner
	now      func() time.Time
}

// NewDispatcher creates a new campaign dispatcher.
func NewDispatcher(config DispatcherConfig, repo Repository, channels ChannelResolver, observer ConversationObserver, events EventPublisher) *Dispatcher {
	d := &Dispatcher{
		config:   config,
		repo:     repo,
		channels: channels,
		observer: observer,
		events:   events,
		now:      time.Now,
	}
	d.runner = periodic.New("campaign-dispatcher", config.PollInterval, d.Tick)
	return d
}

// Start launches the polling loop.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting campaign dispatcher",
		"batch_size", d.config.BatchSize,
		"poll_interval", d.config.PollInterval,
	)
	d.runner.Start(ctx)
}

// Stop waits for the current tick to finish and stops polling.
func (d *Dispatcher) Stop() {
	d.runner.Stop()
}

// Tick runs the promotion pass and then one batch for every running campaign.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if err := d.promote(ctx); err != nil {
		return err
	}

	running, err := d.repo.ListCampaigns(ctx, ListFilter{Status: domain.CampaignRunning})
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}

	for i := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.processCampaign(ctx, &running[i]); err != nil {
			slog.Error("failed to process campaign", "campaign_id", running[i].ID, "error", err)
		}
	}
	return nil
}

// promote starts scheduled campaigns whose time has come.
func (d *Dispatcher) promote(ctx context.Context) error {
	now := d.now()
	due, err := d.repo.ListCampaigns(ctx, ListFilter{Status: domain.CampaignScheduled, DueBefore: &now})
	if err != nil {
		return fmt.Errorf("list due campaigns: %w", err)
	}

	for i := range due {
		c := &due[i]
		err := d.repo.UpdateStatus(ctx, StatusUpdate{
			CampaignID: c.ID,
			From:       []domain.CampaignStatus{domain.CampaignScheduled},
			To:         domain.CampaignRunning,
			At:         now,
		})
		if errors.Is(err, ErrStatusChanged) {
			continue
		}
		if err != nil {
			slog.Error("failed to start campaign", "campaign_id", c.ID, "error", err)
			continue
		}

		transitionsTotal.WithLabelValues(string(domain.CampaignRunning)).Inc()
		slog.Info("campaign started", "campaign_id", c.ID, "name", c.Name)
		d.events.Publish(ctx, d.eventChannel(c), domain.EventCampaignStarted, map[string]any{
			"campaign_id": c.ID,
			"name":        c.Name,
			"started_at":  now,
		})
	}
	return nil
}

func (d *Dispatcher) processCampaign(ctx context.Context, c *domain.Campaign) error {
	targets, err := d.repo.PendingRecipients(ctx, c.ID, d.config.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending recipients: %w", err)
	}

	if len(targets) == 0 {
		return d.complete(ctx, c)
	}

	body, err := d.messageBody(ctx, c)
	if errors.Is(err, ErrTemplateMissing) {
		return d.pause(ctx, c, domain.PauseTemplateMissing, err)
	}
	if err != nil {
		return err
	}

	for _, t := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stop, err := d.dispatchOne(ctx, c, body, t); stop {
			return err
		}
	}
	return nil
}

// messageBody returns the template text of a campaign. A template id takes
// precedence over the inline message.
func (d *Dispatcher) messageBody(ctx context.Context, c *domain.Campaign) (string, error) {
	body := c.Message
	if c.TemplateID != nil {
		var err error
		body, err = d.repo.TemplateBody(ctx, *c.TemplateID)
		if err != nil {
			return "", err
		}
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrTemplateMissing
	}
	return body, nil
}

// dispatchOne queues the message of one recipient. It reports stop=true when
// the whole campaign was paused and the batch must end.
func (d *Dispatcher) dispatchOne(ctx context.Context, c *domain.Campaign, body string, t Target) (stop bool, err error) {
	logger := slog.With("campaign_id", c.ID, "recipient_id", t.RecipientID)

	address := domain.NormalizeAddress(t.Contact.Phone)
	if address == "" {
		d.failRecipient(ctx, c, t, "contact has no phone number")
		return false, nil
	}

	channelID, err := d.channels.ResolveChannel(deref(t.ChannelID), deref(c.ChannelID), d.config.DefaultChannelID)
	if err != nil {
		reason := domain.PauseChannelUnavailable
		if errors.Is(err, sessions.ErrCredentialsInvalid) {
			reason = domain.PauseCredentialsInvalid
		}
		return true, d.pause(ctx, c, reason, err)
	}

	text := Render(body, Variables(t.Contact))
	if strings.TrimSpace(text) == "" {
		d.failRecipient(ctx, c, t, "rendered message is empty")
		return false, nil
	}

	res, err := d.repo.Dispatch(ctx, DispatchInput{
		CampaignID:  c.ID,
		RecipientID: t.RecipientID,
		ContactID:   t.Contact.ID,
		ChannelID:   channelID,
		Address:     address,
		Text:        text,
	})
	if errors.Is(err, ErrAlreadyDispatched) {
		logger.Debug("recipient already dispatched, skipping")
		return false, nil
	}
	if err != nil {
		logger.Error("failed to dispatch recipient", "error", err)
		d.failRecipient(ctx, c, t, err.Error())
		return false, nil
	}

	recipientsTotal.WithLabelValues("queued").Inc()
	logger.Debug("recipient queued",
		"channel_id", channelID,
		"conversation_id", res.ConversationID,
		"send_request_id", res.SendRequestID,
	)

	if res.ConversationCreated {
		d.observer.OnConversationCreated(ctx, res.ConversationID)
	}
	return false, nil
}

func (d *Dispatcher) failRecipient(ctx context.Context, c *domain.Campaign, t Target, reason string) {
	slog.Warn("campaign recipient failed", "campaign_id", c.ID, "recipient_id", t.RecipientID, "reason", reason)
	if err := d.repo.FailRecipient(ctx, c.ID, t.RecipientID, reason); err != nil {
		slog.Error("failed to mark recipient as failed", "campaign_id", c.ID, "recipient_id", t.RecipientID, "error", err)
		return
	}
	recipientsTotal.WithLabelValues("failed").Inc()
}

func (d *Dispatcher) pause(ctx context.Context, c *domain.Campaign, reason domain.PauseReason, cause error) error {
	err := d.repo.UpdateStatus(ctx, StatusUpdate{
		CampaignID:  c.ID,
		From:        []domain.CampaignStatus{domain.CampaignRunning},
		To:          domain.CampaignPaused,
		PauseReason: &reason,
		At:          d.now(),
	})
	if errors.Is(err, ErrStatusChanged) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}

	pausesTotal.WithLabelValues(string(reason)).Inc()
	transitionsTotal.WithLabelValues(string(domain.CampaignPaused)).Inc()
	slog.Warn("campaign paused", "campaign_id", c.ID, "reason", reason, "cause", cause)
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, c *domain.Campaign) error {
	now := d.now()
	err := d.repo.UpdateStatus(ctx, StatusUpdate{
		CampaignID: c.ID,
		From:       []domain.CampaignStatus{domain.CampaignRunning},
		To:         domain.CampaignCompleted,
		At:         now,
	})
	if errors.Is(err, ErrStatusChanged) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignCompleted)).Inc()
	slog.Info("campaign completed", "campaign_id", c.ID, "name", c.Name)
	d.events.Publish(ctx, d.eventChannel(c), domain.EventCampaignCompleted, map[string]any{
		"campaign_id":  c.ID,
		"name":         c.Name,
		"completed_at": now,
	})
	return nil
}

// eventChannel returns the channel identity campaign events are keyed by.
// Zero reaches only integrations not bound to a channel.
func (d *Dispatcher) eventChannel(c *domain.Campaign) int64 {
	if c.ChannelID != nil {
		return *c.ChannelID
	}
	id, err := d.channels.ResolveChannel(d.config.DefaultChannelID)
	if err != nil {
		return 0
	}
	return id
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
