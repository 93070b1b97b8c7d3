// Package sessions owns live channel transports and their lifecycle.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/outbound"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Config holds registry configuration.
type Config struct {
	PairingTTL      time.Duration
	SendRate        float64
	SendBurst       int
	LimiterWait     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// RedialBase and RedialMax bound the delay between automatic redials.
	RedialBase      time.Duration
	RedialMax       time.Duration
}

// DefaultConfig returns default registry configuration.
func DefaultConfig() Config {
	return Config{
		PairingTTL:      60 * time.Second,
		SendRate:        1,
		SendBurst:       5,
		LimiterWait:     2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		RedialBase:      time.Second,
		RedialMax:       time.Minute,
	}
}

type entry struct {
	state    domain.SessionState
	kind     domain.SessionKind
	gen      uint64
	conn     Conn
	pairing  *PairingChallenge
	restored bool
	lastErr  string
	// badCreds is set when the last attempt failed on stored credentials.
	badCreds bool
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// Registry holds one live transport per channel and drives the session state machine.
// It is the only component that touches transport connections.
type Registry struct {
	config  Config
	repo    Repository
	codec   Codec
	dialers map[domain.SessionKind]Dialer
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewRegistry creates a registry. Dialers are keyed by the session kind they serve.
func NewRegistry(config Config, repo Repository, codec Codec, dialers map[domain.SessionKind]Dialer) *Registry {
	defaults := DefaultConfig()
	if config.LimiterWait <= 0 {
		config.LimiterWait = defaults.LimiterWait
	}
	if config.RedialBase <= 0 {
		config.RedialBase = defaults.RedialBase
	}
	if config.RedialMax < config.RedialBase {
		config.RedialMax = max(defaults.RedialMax, config.RedialBase)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config:  config,
		repo:    repo,
		codec:   codec,
		dialers: dialers,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[int64]*entry),
	}
}

// InitializeInput describes how a session should authenticate.
// Token and ProviderRef are only used by API sessions.
type InitializeInput struct {
	Kind        domain.SessionKind
	Token       string
	ProviderRef string
}

// Initialize starts connecting a channel. The transport is dialed in the
// background; callers poll Status or PairingChallenge for progress.
func (r *Registry) Initialize(ctx context.Context, channelID int64, in InitializeInput) (*Status, error) {
	channel, err := r.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	if _, err := r.State(channelID).Next(domain.SessionEventInitialize); err != nil {
		return nil, err
	}

	session, err := r.prepare(ctx, channelID, in)
	if err != nil {
		return nil, err
	}

	gen, err := r.begin(channelID, session.Kind, false)
	if err != nil {
		return nil, err
	}
	r.recordState(r.ctx, channelID, domain.SessionConnecting)
	r.startDial(channel, session, gen, false)

	return r.Status(ctx, channelID)
}

// prepare validates the requested kind and stores new credentials.
func (r *Registry) prepare(ctx context.Context, channelID int64, in InitializeInput) (*domain.ChannelSession, error) {
	session, err := r.repo.GetSession(ctx, channelID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		session = &domain.ChannelSession{ChannelID: channelID, Kind: domain.SessionKindDeviceLinked}
	case err != nil:
		return nil, err
	}

	switch {
	case in.Kind != "":
		if !in.Kind.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
		}
		session.Kind = in.Kind
	case in.Token != "":
		session.Kind = domain.SessionKindAPI
	}

	if in.Token != "" {
		if session.Kind != domain.SessionKindAPI {
			return nil, fmt.Errorf("%w: token given for %s session", ErrInvalidKind, session.Kind)
		}
		sealed, err := r.codec.Seal([]byte(in.Token))
		if err != nil {
			return nil, fmt.Errorf("seal credentials: %w", err)
		}
		session.Credentials = sealed
	}
	if in.ProviderRef != "" {
		session.ProviderRef = in.ProviderRef
	}

	if session.Kind == domain.SessionKindAPI && (session.Credentials == "" || session.ProviderRef == "") {
		return nil, ErrCredentialsRequired
	}
	if _, ok := r.dialers[session.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, session.Kind)
	}

	if err := r.repo.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

// Restore re-initializes every session that was connected when the process stopped.
func (r *Registry) Restore(ctx context.Context) error {
	sessions, err := r.repo.ListConnected(ctx)
	if err != nil {
		return fmt.Errorf("list connected sessions: %w", err)
	}

	restored := 0
	for i := range sessions {
		session := &sessions[i]
		logger := slog.With("channel_id", session.ChannelID, "kind", session.Kind)

		channel, err := r.repo.GetChannel(ctx, session.ChannelID)
		if err != nil {
			logger.Error("failed to load channel for restore", "error", err)
			continue
		}
		gen, err := r.begin(session.ChannelID, session.Kind, true)
		if err != nil {
			logger.Warn("session already active, skipping restore", "error", err)
			continue
		}
		r.startDial(channel, session, gen, true)
		restored++
	}

	slog.Info("channel sessions restored", "count", restored, "found", len(sessions))
	return nil
}

// Disconnect closes the transport, purges stored credentials and marks the
// channel disconnected. It never triggers a reconnect.
func (r *Registry) Disconnect(ctx context.Context, channelID int64) (*Status, error) {
	if _, err := r.repo.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	e := r.entryLocked(channelID)
	e.gen++
	conn := e.conn
	e.conn = nil
	e.state = domain.SessionDisconnected
	e.pairing = nil
	e.lastErr = ""
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close transport", "channel_id", channelID, "error", err)
		}
	}
	closesTotal.WithLabelValues(string(domain.CloseOperator)).Inc()
	stateChangesTotal.WithLabelValues(string(domain.SessionDisconnected)).Inc()

	if err := r.purge(ctx, channelID); err != nil {
		return nil, err
	}
	slog.Info("channel session disconnected by operator", "channel_id", channelID)

	return r.Status(ctx, channelID)
}

// Status returns the session status of a channel.
func (r *Registry) Status(ctx context.Context, channelID int64) (*Status, error) {
	if _, err := r.repo.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	st := &Status{
		ChannelID: channelID,
		State:     domain.SessionDisconnected,
		Kind:      domain.SessionKindDeviceLinked,
	}

	session, err := r.repo.GetSession(ctx, channelID)
	switch {
	case err == nil:
		st.Kind = session.Kind
		st.LastSeenAt = session.LastSeenAt
	case !errors.Is(err, ErrSessionNotFound):
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.entries[channelID]; ok {
		st.State = e.state
		st.LastError = e.lastErr
		if e.kind != "" {
			st.Kind = e.kind
		}
	}
	r.mu.Unlock()

	st.IsConnected = st.State == domain.SessionConnected
	return st, nil
}

// State returns the in-memory session state of a channel.
func (r *Registry) State(channelID int64) domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[channelID]; ok {
		return e.state
	}
	return domain.SessionDisconnected
}

// IsConnected reports whether a channel can send right now.
func (r *Registry) IsConnected(channelID int64) bool {
	return r.State(channelID) == domain.SessionConnected
}

// ResolveChannel returns the first connected candidate, skipping zero ids.
// When no candidate is connected it falls back to the lowest connected channel id.
// With nothing connected, ErrCredentialsInvalid is returned if a candidate
// failed on its stored credentials, ErrNoConnectedChannel otherwise.
func (r *Registry) ResolveChannel(candidates ...int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connected := func(id int64) bool {
		e, ok := r.entries[id]
		return ok && e.state == domain.SessionConnected
	}
	for _, id := range candidates {
		if id != 0 && connected(id) {
			return id, nil
		}
	}

	var ids []int64
	for id := range r.entries {
		if connected(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		for _, id := range candidates {
			if e, ok := r.entries[id]; ok && e.badCreds {
				return 0, fmt.Errorf("channel %d: %w", id, ErrCredentialsInvalid)
			}
		}
		return 0, ErrNoConnectedChannel
	}
	return slices.Min(ids), nil
}

// PairingChallenge returns the current unexpired pairing challenge.
func (r *Registry) PairingChallenge(ctx context.Context, channelID int64) (*PairingChallenge, error) {
	if _, err := r.repo.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[channelID]
	if !ok || e.pairing == nil || !r.now().Before(e.pairing.ExpiresAt) {
		return nil, ErrNoPairingChallenge
	}
	challenge := *e.pairing
	return &challenge, nil
}

// SweepPairings drops expired pairing challenges from memory and storage.
func (r *Registry) SweepPairings(ctx context.Context) (int64, error) {
	now := r.now()

	r.mu.Lock()
	for _, e := range r.entries {
		if e.pairing != nil && !now.Before(e.pairing.ExpiresAt) {
			e.pairing = nil
		}
	}
	r.mu.Unlock()

	cleared, err := r.repo.ClearExpiredPairings(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired pairings: %w", err)
	}
	return cleared, nil
}

// Send delivers msg over the channel's live transport. Not being connected,
// local rate limiting and an open circuit are reported as retryable errors.
func (r *Registry) Send(ctx context.Context, channelID int64, msg domain.OutgoingMessage) (string, error) {
	r.mu.Lock()
	var (
		conn    Conn
		limiter *rate.Limiter
		breaker *gobreaker.CircuitBreaker
	)
	if e, ok := r.entries[channelID]; ok && e.state == domain.SessionConnected {
		conn, limiter, breaker = e.conn, e.limiter, e.breaker
	}
	r.mu.Unlock()

	if conn == nil {
		sendRejectedTotal.WithLabelValues("not_connected").Inc()
		return "", outbound.NewRetryableError(fmt.Errorf("channel %d: %w", channelID, ErrNotConnected))
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.config.LimiterWait)
	err := limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		sendRejectedTotal.WithLabelValues("rate_limited").Inc()
		return "", outbound.NewRetryableError(fmt.Errorf("channel %d: %w: %v", channelID, ErrRateLimited, err))
	}

	res, err := breaker.Execute(func() (interface{}, error) {
		return conn.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		sendRejectedTotal.WithLabelValues("breaker_open").Inc()
		return "", outbound.NewRetryableError(fmt.Errorf("channel %d: %w: %v", channelID, ErrCircuitOpen, err))
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Close shuts down every transport without touching stored session state,
// so the sessions are restored on the next start.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	var conns []Conn
	for _, e := range r.entries {
		e.gen++
		if e.conn != nil {
			conns = append(conns, e.conn)
			e.conn = nil
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	r.wg.Wait()
}

func (r *Registry) entryLocked(channelID int64) *entry {
	if e, ok := r.entries[channelID]; ok {
		return e
	}
	e := &entry{
		state:   domain.SessionDisconnected,
		limiter: rate.NewLimiter(rate.Limit(r.config.SendRate), r.config.SendBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("channel-%d", channelID),
			Timeout: r.config.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= r.config.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				// Per-message rejections say nothing about the channel's health.
				return err == nil || !outbound.IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				breakerChangesTotal.WithLabelValues(to.String()).Inc()
				slog.Warn("channel circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	r.entries[channelID] = e
	return e
}

// begin moves a channel to connecting and returns the generation of the new attempt.
func (r *Registry) begin(channelID int64, kind domain.SessionKind, restored bool) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(channelID)
	next, err := e.state.Next(domain.SessionEventInitialize)
	if err != nil {
		return 0, err
	}
	e.state = next
	e.kind = kind
	e.gen++
	e.restored = restored
	e.pairing = nil
	e.lastErr = ""
	e.badCreds = false
	stateChangesTotal.WithLabelValues(string(next)).Inc()
	return e.gen, nil
}

// startDial connects in the background. With redial set, failed dials are
// retried with backoff instead of leaving the channel disconnected.
func (r *Registry) startDial(channel *domain.Channel, session *domain.ChannelSession, gen uint64, redial bool) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dial(channel, session, gen, redial)
	}()
}

func (r *Registry) dial(channel *domain.Channel, session *domain.ChannelSession, gen uint64, redial bool) {
	logger := slog.With("channel_id", channel.ID, "kind", session.Kind)

	req := DialRequest{
		ChannelID:   channel.ID,
		Address:     channel.Address,
		ProviderRef: session.ProviderRef,
	}
	if session.Credentials != "" {
		creds, err := r.codec.Open(session.Credentials)
		if err != nil {
			logger.Error("failed to decrypt channel credentials", "error", err)
			r.abort(channel.ID, gen, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err))
			return
		}
		req.Credentials = creds
	}

	dialer, ok := r.dialers[session.Kind]
	if !ok {
		r.abort(channel.ID, gen, fmt.Errorf("%w: %s", ErrTransportUnavailable, session.Kind))
		return
	}

	var conn Conn
	for attempt := 0; ; attempt++ {
		var err error
		conn, err = dialer.Dial(r.ctx, req)
		if err == nil {
			break
		}
		if r.ctx.Err() != nil {
			return
		}
		if !redial || !shouldRedial(err) {
			logger.Warn("failed to dial channel transport", "error", err)
			r.abort(channel.ID, gen, err)
			return
		}

		delay := r.redialDelay(attempt)
		logger.Warn("failed to dial channel transport, retrying",
			"error", err, "attempt", attempt+1, "retry_in", delay)
		if !r.noteDialError(channel.ID, gen, err) {
			return
		}
		redialsTotal.Inc()

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !r.isCurrent(channel.ID, gen) {
			return
		}
	}

	r.mu.Lock()
	e, ok := r.entries[channel.ID]
	current := ok && e.gen == gen
	if current {
		e.conn = conn
	}
	r.mu.Unlock()
	if !current {
		_ = conn.Close()
		return
	}

	r.watch(channel.ID, gen, conn)
}

// shouldRedial reports whether a failed dial can succeed later without
// operator action.
func shouldRedial(err error) bool {
	switch {
	case errors.Is(err, ErrCredentialsInvalid),
		errors.Is(err, ErrCredentialsRequired),
		errors.Is(err, ErrTransportUnavailable):
		return false
	}
	return outbound.IsRetryable(err)
}

// redialDelay returns RedialBase doubled per attempt, capped at RedialMax.
func (r *Registry) redialDelay(attempt int) time.Duration {
	if attempt > 20 {
		return r.config.RedialMax
	}
	return min(r.config.RedialBase<<attempt, r.config.RedialMax)
}

func (r *Registry) isCurrent(channelID int64, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[channelID]
	return ok && e.gen == gen
}

// noteDialError keeps the channel connecting and exposes the last dial error.
// It returns false once the attempt is stale.
func (r *Registry) noteDialError(channelID int64, gen uint64, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[channelID]
	if !ok || e.gen != gen {
		return false
	}
	e.lastErr = cause.Error()
	return true
}

// abort records a failed connection attempt.
func (r *Registry) abort(channelID int64, gen uint64, cause error) {
	r.mu.Lock()
	e, ok := r.entries[channelID]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	e.state = domain.SessionDisconnected
	e.conn = nil
	e.pairing = nil
	e.lastErr = cause.Error()
	e.badCreds = errors.Is(cause, ErrCredentialsInvalid)
	r.mu.Unlock()

	stateChangesTotal.WithLabelValues(string(domain.SessionDisconnected)).Inc()
	r.recordState(r.ctx, channelID, domain.SessionDisconnected)
}

func (r *Registry) watch(channelID int64, gen uint64, conn Conn) {
	for ev := range conn.Events() {
		if ev.Kind == domain.SessionEventClosed {
			r.closed(channelID, gen, conn, ev.Reason)
			return
		}
		if !r.apply(channelID, gen, ev) {
			return
		}
	}
	r.closed(channelID, gen, conn, domain.CloseConnectionLost)
}

// apply handles a pairing or open event. It returns false once the
// connection is no longer the channel's current one.
func (r *Registry) apply(channelID int64, gen uint64, ev Event) bool {
	logger := slog.With("channel_id", channelID, "event", ev.Kind)

	r.mu.Lock()
	e, ok := r.entries[channelID]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return false
	}
	next, err := e.state.Next(ev.Kind)
	if err != nil {
		r.mu.Unlock()
		logger.Warn("ignoring session event", "state", e.state, "error", err)
		return true
	}
	e.state = next
	restored := e.restored

	var challenge PairingChallenge
	switch ev.Kind {
	case domain.SessionEventPairing:
		challenge = PairingChallenge{Code: ev.PairingCode, ExpiresAt: r.now().Add(r.config.PairingTTL)}
		e.pairing = &challenge
	case domain.SessionEventOpened:
		e.pairing = nil
		e.restored = false
		e.lastErr = ""
	}
	r.mu.Unlock()

	stateChangesTotal.WithLabelValues(string(next)).Inc()

	switch ev.Kind {
	case domain.SessionEventPairing:
		if err := r.repo.SavePairing(r.ctx, channelID, challenge.Code, challenge.ExpiresAt); err != nil {
			logger.Error("failed to store pairing challenge", "error", err)
		}
		r.recordState(r.ctx, channelID, next)
		if restored {
			// Stored device credentials no longer work; the operator has to pair again.
			logger.Warn("restored session requires pairing")
			if err := r.repo.SetChannelStatus(r.ctx, channelID, domain.ChannelStatusDisconnected); err != nil {
				logger.Error("failed to update channel status", "error", err)
			}
		}
	case domain.SessionEventOpened:
		r.recordState(r.ctx, channelID, next)
		logger.Info("channel session connected")
	}
	return true
}

// closed handles the end of a connection: reconnect unless the remote side
// logged the session out, in which case credentials are purged.
func (r *Registry) closed(channelID int64, gen uint64, conn Conn, reason domain.CloseReason) {
	logger := slog.With("channel_id", channelID, "reason", reason)

	r.mu.Lock()
	e, ok := r.entries[channelID]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	e.state = domain.SessionDisconnected
	e.conn = nil
	e.pairing = nil
	r.mu.Unlock()

	_ = conn.Close()
	closesTotal.WithLabelValues(string(reason)).Inc()
	stateChangesTotal.WithLabelValues(string(domain.SessionDisconnected)).Inc()

	if !reason.ShouldReconnect() {
		logger.Warn("channel session ended, pairing required")
		if err := r.purge(r.ctx, channelID); err != nil {
			logger.Error("failed to purge session", "error", err)
		}
		return
	}

	// The stored connected flag is left as is so an interrupted reconnect
	// is picked up again by Restore.
	logger.Info("channel session closed, reconnecting")
	r.reconnect(channelID)
}

func (r *Registry) reconnect(channelID int64) {
	if r.ctx.Err() != nil {
		return
	}
	logger := slog.With("channel_id", channelID)

	channel, err := r.repo.GetChannel(r.ctx, channelID)
	if err != nil {
		logger.Error("failed to load channel for reconnect", "error", err)
		return
	}
	session, err := r.repo.GetSession(r.ctx, channelID)
	if err != nil {
		logger.Error("failed to load session for reconnect", "error", err)
		return
	}

	gen, err := r.begin(channelID, session.Kind, false)
	if err != nil {
		logger.Warn("reconnect skipped", "error", err)
		return
	}
	r.startDial(channel, session, gen, true)
}

func (r *Registry) purge(ctx context.Context, channelID int64) error {
	if err := r.repo.Purge(ctx, channelID, r.now()); err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	for kind, dialer := range r.dialers {
		f, ok := dialer.(Forgetter)
		if !ok {
			continue
		}
		if err := f.Forget(ctx, channelID); err != nil {
			return fmt.Errorf("forget %s auth state: %w", kind, err)
		}
	}
	return nil
}

func (r *Registry) recordState(ctx context.Context, channelID int64, state domain.SessionState) {
	if err := r.repo.RecordState(ctx, channelID, state == domain.SessionConnected, r.now()); err != nil {
		slog.Error("failed to record session state", "channel_id", channelID, "state", state, "error", err)
	}
}
