// Package cloudapi implements the token-authenticated channel transport
// over the provider's HTTP messaging API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/sessions"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v19.0"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// Config holds cloud API client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Dialer opens API sessions. Each session is bound to one provider phone
// number id and bearer token.
type Dialer struct {
	baseURL    string
	httpClient *http.Client
}

// NewDialer creates a new cloud API dialer.
func NewDialer(config Config) *Dialer {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Dialer{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Dial verifies the token against the phone number resource and returns an
// open connection.
func (d *Dialer) Dial(ctx context.Context, req sessions.DialRequest) (sessions.Conn, error) {
	if len(req.Credentials) == 0 || req.ProviderRef == "" {
		return nil, sessions.ErrCredentialsRequired
	}

	c := &Conn{
		baseURL:     d.baseURL,
		httpClient:  d.httpClient,
		token:       string(req.Credentials),
		providerRef: req.ProviderRef,
		events:      make(chan sessions.Event, 2),
	}

	if err := c.verify(ctx); err != nil {
		return nil, err
	}

	c.events <- sessions.Event{Kind: domain.SessionEventOpened}
	slog.Debug("cloud api session opened", "channel_id", req.ChannelID)
	return c, nil
}

// Conn is an API session. It holds no socket; every send is one HTTP request.
type Conn struct {
	baseURL     string
	httpClient  *http.Client
	token       string
	providerRef string

	mu     sync.Mutex
	closed bool
	events chan sessions.Event
}

// Events returns session lifecycle events.
func (c *Conn) Events() <-chan sessions.Event {
	return c.events
}

// Close ends the session.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// end reports a remote close and ends the session.
func (c *Conn) end(reason domain.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- sessions.Event{Kind: domain.SessionEventClosed, Reason: reason}
	close(c.events)
}

func (c *Conn) verify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+c.providerRef+"?fields=id", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("verify token: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", sessions.ErrCredentialsInvalid, string(body))
	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "phone number id not found"}
	default:
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("verify token: %s", string(body))}
	}
}

type mediaObject struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type textObject struct {
	Body string `json:"body"`
}

type sendPayload struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textObject  `json:"text,omitempty"`
	Image            *mediaObject `json:"image,omitempty"`
	Video            *mediaObject `json:"video,omitempty"`
	Audio            *mediaObject `json:"audio,omitempty"`
	Document         *mediaObject `json:"document,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func buildPayload(msg domain.OutgoingMessage) sendPayload {
	p := sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             string(msg.Type),
	}

	media := &mediaObject{Link: msg.MediaURL, Caption: msg.Text}
	switch msg.Type {
	case domain.MessageTypeImage:
		p.Image = media
	case domain.MessageTypeVideo:
		p.Video = media
	case domain.MessageTypeAudio:
		// Audio messages cannot carry a caption.
		p.Audio = &mediaObject{Link: msg.MediaURL}
	case domain.MessageTypeDocument:
		p.Document = media
	default:
		p.Type = string(domain.MessageTypeText)
		p.Text = &textObject{Body: msg.Text}
	}
	return p
}

// Send posts one message and returns the provider message id.
func (c *Conn) Send(ctx context.Context, msg domain.OutgoingMessage) (string, error) {
	body, err := json.Marshal(buildPayload(msg))
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.providerRef+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp)
}

func (c *Conn) handleResponse(resp *http.Response) (string, error) {
	if resp.StatusCode == http.StatusOK {
		var out sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
		}
		if len(out.Messages) == 0 || out.Messages[0].ID == "" {
			return "", &RetryableError{Code: resp.StatusCode, Message: "response carries no message id"}
		}
		return out.Messages[0].ID, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// Token revoked: end the session so stored credentials are purged.
		c.end(domain.CloseLoggedOut)
		return "", &RetryableError{Code: resp.StatusCode, Message: "access token rejected"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &RetryableError{Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return "", &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", string(body))}
	case resp.StatusCode >= 400:
		return "", &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", string(body))}
	default:
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}
