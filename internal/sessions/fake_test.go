package sessions

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRepository struct {
	mu        sync.Mutex
	channels  map[int64]*domain.Channel
	sessions  map[int64]*domain.ChannelSession
	purged    []int64
	connected map[int64]bool
}

func newFakeRepository(channelIDs ...int64) *fakeRepository {
	r := &fakeRepository{
		channels:  make(map[int64]*domain.Channel),
		sessions:  make(map[int64]*domain.ChannelSession),
		connected: make(map[int64]bool),
	}
	for _, id := range channelIDs {
		r.channels[id] = &domain.Channel{ID: id, Address: fmt.Sprintf("+1555%04d", id), Status: domain.ChannelStatusPending}
	}
	return r
}

func (r *fakeRepository) GetChannel(_ context.Context, channelID int64) (*domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepository) GetSession(_ context.Context, channelID int64) (*domain.ChannelSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepository) SaveSession(_ context.Context, s *domain.ChannelSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sessions[s.ChannelID]
	if !ok {
		existing = &domain.ChannelSession{ChannelID: s.ChannelID}
		r.sessions[s.ChannelID] = existing
	}
	existing.Kind = s.Kind
	existing.Credentials = s.Credentials
	existing.ProviderRef = s.ProviderRef
	return nil
}

func (r *fakeRepository) RecordState(_ context.Context, channelID int64, connected bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return ErrSessionNotFound
	}
	s.IsConnected = connected
	s.LastSeenAt = &at
	if connected {
		s.PairingCode = ""
		s.PairingExpiresAt = nil
		r.channels[channelID].Status = domain.ChannelStatusActive
	}
	return nil
}

func (r *fakeRepository) SavePairing(_ context.Context, channelID int64, code string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return ErrSessionNotFound
	}
	s.PairingCode = code
	s.PairingExpiresAt = &expiresAt
	return nil
}

func (r *fakeRepository) SetChannelStatus(_ context.Context, channelID int64, status domain.ChannelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	c.Status = status
	return nil
}

func (r *fakeRepository) Purge(_ context.Context, channelID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, channelID)
	if s, ok := r.sessions[channelID]; ok {
		s.Credentials = ""
		s.IsConnected = false
		s.LastSeenAt = &at
		s.PairingCode = ""
		s.PairingExpiresAt = nil
	}
	if c, ok := r.channels[channelID]; ok {
		c.Status = domain.ChannelStatusDisconnected
	}
	return nil
}

func (r *fakeRepository) ListConnected(_ context.Context) ([]domain.ChannelSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.ChannelSession
	for _, s := range r.sessions {
		if s.IsConnected {
			result = append(result, *s)
		}
	}
	slices.SortFunc(result, func(a, b domain.ChannelSession) int {
		return cmp.Compare(a.ChannelID, b.ChannelID)
	})
	return result, nil
}

func (r *fakeRepository) ClearExpiredPairings(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.PairingExpiresAt != nil && !s.PairingExpiresAt.After(now) {
			s.PairingCode = ""
			s.PairingExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) session(channelID int64) domain.ChannelSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.sessions[channelID]
}

func (r *fakeRepository) channelStatus(channelID int64) domain.ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[channelID].Status
}

func (r *fakeRepository) purgeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.purged)
}

type fakeConn struct {
	mu      sync.Mutex
	events  chan Event
	closed  bool
	sendErr error
	sent    []domain.OutgoingMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Send(_ context.Context, msg domain.OutgoingMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, msg)
	return fmt.Sprintf("ext-%d", len(c.sent)), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu        sync.Mutex
	requests  []DialRequest
	conns     []*fakeConn
	err       error
	forgotten []int64
	// onDial runs on every new connection before it is returned.
	onDial func(c *fakeConn)
}

func (d *fakeDialer) Dial(_ context.Context, req DialRequest) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	if d.onDial != nil {
		d.onDial(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// fail makes later dials return err; nil restores dialing with onDial.
func (d *fakeDialer) fail(err error, onDial func(c *fakeConn)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	d.onDial = onDial
}

func (d *fakeDialer) Forget(_ context.Context, channelID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgotten = append(d.forgotten, channelID)
	return nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// connFor returns the latest connection dialed for a channel.
func (d *fakeDialer) connFor(channelID int64) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.requests) - 1; i >= 0; i-- {
		if d.requests[i].ChannelID == channelID {
			return d.conns[i]
		}
	}
	return nil
}

func (d *fakeDialer) request(i int) DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[i]
}

func (d *fakeDialer) forgottenIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.forgotten...)
}

func openOnDial(c *fakeConn) {
	c.events <- Event{Kind: domain.SessionEventOpened}
}
