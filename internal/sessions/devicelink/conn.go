package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/outbound"
	"github.com/bissquit/chat-relay/internal/sessions"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

var errConnClosed = errors.New("device link connection closed")

// Conn is a live gateway connection for one channel.
type Conn struct {
	channelID    int64
	ws           *websocket.Conn
	state        AuthState
	pingInterval time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	events    chan sessions.Event
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

func newConn(ws *websocket.Conn, channelID int64, state AuthState, pingInterval time.Duration) *Conn {
	return &Conn{
		channelID:    channelID,
		ws:           ws,
		state:        state,
		pingInterval: pingInterval,
		logger:       slog.With("channel_id", channelID, "transport", "device_link"),
		pending:      make(map[string]chan frame),
		events:       make(chan sessions.Event, 8),
		done:         make(chan struct{}),
	}
}

func (c *Conn) start() {
	if c.pingInterval > 0 {
		c.extendDeadline()
		c.ws.SetPongHandler(func(string) error {
			c.extendDeadline()
			return nil
		})
		go c.pingLoop()
	}
	go c.readLoop()
}

// Events returns session lifecycle events.
func (c *Conn) Events() <-chan sessions.Event {
	return c.events
}

// Close ends the connection. No close event is emitted for a local close.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// Send hands a message to the gateway and waits for its acknowledgement.
func (c *Conn) Send(ctx context.Context, msg domain.OutgoingMessage) (string, error) {
	ref := uuid.NewString()
	ack := make(chan frame, 1)

	c.mu.Lock()
	c.pending[ref] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	err := c.write(frame{
		Type:        frameSend,
		Ref:         ref,
		To:          msg.To,
		MessageType: string(msg.Type),
		Text:        msg.Text,
		MediaURL:    msg.MediaURL,
	})
	if err != nil {
		return "", outbound.NewRetryableError(fmt.Errorf("write send frame: %w", err))
	}

	select {
	case f := <-ack:
		if f.Error != "" {
			if f.Retryable {
				return "", outbound.NewRetryableError(fmt.Errorf("gateway: %s", f.Error))
			}
			return "", outbound.NewNonRetryableError(fmt.Errorf("gateway: %s", f.Error))
		}
		if f.MessageID == "" {
			return "", outbound.NewRetryableError(errors.New("gateway ack carries no message id"))
		}
		return f.MessageID, nil
	case <-ctx.Done():
		return "", outbound.NewRetryableError(fmt.Errorf("await ack: %w", ctx.Err()))
	case <-c.done:
		return "", outbound.NewRetryableError(errConnClosed)
	}
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *Conn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	reason := domain.CloseConnectionLost
	defer func() { c.finish(reason) }()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !c.closing.Load() {
				c.logger.Warn("gateway connection lost", "error", err)
			}
			return
		}
		if c.pingInterval > 0 {
			c.extendDeadline()
		}

		switch f.Type {
		case framePairing:
			c.emit(sessions.Event{Kind: domain.SessionEventPairing, PairingCode: f.Code})
		case frameOpen:
			c.emit(sessions.Event{Kind: domain.SessionEventOpened})
		case frameCredentials:
			if err := c.state.Save(context.Background(), c.channelID, f.Auth); err != nil {
				c.logger.Error("failed to store device credentials", "error", err)
			}
		case frameClose:
			reason = parseReason(f.Reason)
			return
		case frameAck:
			c.mu.Lock()
			ch, ok := c.pending[f.Ref]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		default:
			c.logger.Debug("ignoring unknown gateway frame", "type", f.Type)
		}
	}
}

// finish reports a remote close, unless the connection was closed locally,
// and closes the events channel.
func (c *Conn) finish(reason domain.CloseReason) {
	if !c.closing.Load() {
		c.emit(sessions.Event{Kind: domain.SessionEventClosed, Reason: reason})
	}
	close(c.events)
	_ = c.Close()
}

func (c *Conn) emit(ev sessions.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
