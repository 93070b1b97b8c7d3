package webhooks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries an HS256 token signed with the integration secret.
// Its "sha" claim is the hex SHA-256 of the request body.
const SignatureHeader = "X-Relay-Signature"

const maxErrorBody = 512

// SignatureClaims are the claims of the signature token.
type SignatureClaims struct {
	Event    string `json:"evt"`
	BodyHash string `json:"sha"`
	jwt.RegisteredClaims
}

// Sign returns the signature token for body.
func Sign(secret, deliveryID, event string, body []byte, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := SignatureClaims{
		Event:    event,
		BodyHash: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       deliveryID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return token, nil
}

// StatusError is returned for non-2xx endpoint responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.Code, e.Body)
}

type httpSender struct {
	client *http.Client
}

func (s *httpSender) post(ctx context.Context, url, deliveryID, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Delivery", deliveryID)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	deliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: string(data)}
}
