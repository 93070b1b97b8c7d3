// Package devicelink implements device-linked sessions through a gateway
// that speaks JSON frames over a websocket.
package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bissquit/chat-relay/internal/sessions"
	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 10 * time.Second

// Config holds gateway client configuration.
type Config struct {
	GatewayURL       string
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; a gateway silent for two
	// intervals is treated as lost.
	PingInterval time.Duration
}

// AuthState stores per-channel device credentials between connections.
type AuthState interface {
	Load(ctx context.Context, channelID int64) ([]byte, error)
	Save(ctx context.Context, channelID int64, state []byte) error
	Delete(ctx context.Context, channelID int64) error
}

// Dialer opens device-linked sessions.
type Dialer struct {
	config Config
	state  AuthState
	ws     *websocket.Dialer
}

// NewDialer creates a new gateway dialer.
// Returns error if the gateway URL is missing.
func NewDialer(config Config, state AuthState) (*Dialer, error) {
	if config.GatewayURL == "" {
		return nil, errors.New("device link: gateway url is required")
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}

	slog.Info("device link dialer configured",
		"gateway", config.GatewayURL,
		"ping_interval", config.PingInterval,
	)

	return &Dialer{
		config: config,
		state:  state,
		ws:     &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}, nil
}

// Dial connects to the gateway and announces the session with any stored auth state.
// Without auth state the gateway answers with a pairing challenge.
func (d *Dialer) Dial(ctx context.Context, req sessions.DialRequest) (sessions.Conn, error) {
	auth, err := d.state.Load(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sessions.ErrCredentialsInvalid, err)
	}

	ws, _, err := d.ws.DialContext(ctx, d.config.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := newConn(ws, req.ChannelID, d.state, d.config.PingInterval)
	hello := frame{
		Type:    frameHello,
		Session: strconv.FormatInt(req.ChannelID, 10),
		Address: req.Address,
		Auth:    auth,
	}
	if err := c.write(hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	c.start()
	return c, nil
}

// Forget deletes the stored device credentials of a channel.
func (d *Dialer) Forget(ctx context.Context, channelID int64) error {
	return d.state.Delete(ctx, channelID)
}
