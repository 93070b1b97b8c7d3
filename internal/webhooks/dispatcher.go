// Package webhooks fans integration events out to configured HTTP endpoints.
package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Config contains dispatcher configuration.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
		Timeout:   5 * time.Second,
	}
}

// Envelope is the JSON body posted to integration endpoints.
type Envelope struct {
	ID         string                  `json:"id"`
	Event      domain.IntegrationEvent `json:"event"`
	ChannelID  int64                   `json:"channel_id,omitempty"`
	OccurredAt time.Time               `json:"occurred_at"`
	Data       any                     `json:"data"`
}

// Dispatcher delivers events asynchronously. Publish never blocks and
// never reports delivery failures to the caller.
type Dispatcher struct {
	config Config
	repo   Repository
	sender *httpSender
	now    func() time.Time

	mu     sync.RWMutex
	jobs   chan Envelope
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(config Config, repo Repository) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Dispatcher{
		config: config,
		repo:   repo,
		sender: &httpSender{client: &http.Client{Timeout: config.Timeout}},
		now:    time.Now,
		jobs:   make(chan Envelope, config.QueueSize),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting webhook dispatcher", "workers", d.config.Workers, "queue_size", d.config.QueueSize)
	for range d.config.Workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for env := range d.jobs {
				d.deliver(ctx, env)
			}
		}()
	}
}

// Stop drains queued events and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	slog.Info("webhook dispatcher stopped")
}

// Publish queues event for every integration interested in it.
func (d *Dispatcher) Publish(_ context.Context, channelID int64, event domain.IntegrationEvent, data any) {
	env := Envelope{
		ID:         newDeliveryID(d.now()),
		Event:      event,
		ChannelID:  channelID,
		OccurredAt: d.now().UTC(),
		Data:       data,
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		droppedTotal.Inc()
		slog.Warn("webhook dispatcher stopped, event dropped", "event", event, "delivery_id", env.ID)
		return
	}

	select {
	case d.jobs <- env:
	default:
		droppedTotal.Inc()
		slog.Warn("webhook queue full, event dropped", "event", event, "delivery_id", env.ID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env Envelope) {
	logger := slog.With("event", env.Event, "delivery_id", env.ID, "channel_id", env.ChannelID)

	integrations, err := d.repo.ListActive(ctx, env.ChannelID)
	if err != nil {
		logger.Error("failed to load integrations", "error", err)
		deliveriesTotal.WithLabelValues(string(env.Event), "error").Inc()
		return
	}

	var body []byte
	for _, in := range integrations {
		if !in.Wants(env.Event) {
			continue
		}
		if body == nil {
			body, err = json.Marshal(env)
			if err != nil {
				logger.Error("failed to encode event", "error", err)
				return
			}
		}

		var signature string
		if in.Secret != "" {
			signature, err = Sign(in.Secret, env.ID, string(env.Event), body, d.now())
			if err != nil {
				logger.Error("failed to sign event", "integration_id", in.ID, "error", err)
				continue
			}
		}

		if err := d.sender.post(ctx, in.URL, env.ID, signature, body); err != nil {
			deliveriesTotal.WithLabelValues(string(env.Event), "failed").Inc()
			logger.Warn("webhook delivery failed", "integration_id", in.ID, "error", err)
			continue
		}
		deliveriesTotal.WithLabelValues(string(env.Event), "delivered").Inc()
		logger.Debug("webhook delivered", "integration_id", in.ID)
	}
}

func newDeliveryID(t time.Time) string {
	return "evt_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
