// Package client talks to a relay's /api/generate endpoint on behalf of a
// session.
//
// Requests are signed with the shared PUBLIC_SECRET_KEY. Anyone holding the
// client can read that key, so the signature only deters casual replay of
// captured requests; it is not access control.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gpt-relay/internal/auth"
	"gpt-relay/internal/session"
	"gpt-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

const maxErrorBody = 64 * 1024

// Error is a non-success answer from the relay. Message is the relay's
// plain-text reason.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Client is a session.Generator backed by a relay.
type Client struct {
	endpoint   string
	signer     *auth.Signer
	httpClient *http.Client
	log        logrus.FieldLogger
	now        func() time.Time
}

var _ session.Generator = (*Client)(nil)

// New creates a Client for cfg. Requests go unsigned when no secret is
// configured; a relay in production mode rejects them.
func New(cfg *Config, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var signer *auth.Signer
	if cfg.SecretKey != "" {
		var err error
		if signer, err = auth.NewSigner(cfg.SecretKey); err != nil {
			return nil, err
		}
	}

	return &Client{
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		signer:     signer,
		httpClient: &http.Client{},
		log:        log,
		now:        time.Now,
	}, nil
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(h *http.Client) {
	c.httpClient = h
}

// Generate posts one turn to the relay and returns the streamed reply body.
func (c *Client) Generate(ctx context.Context, req session.Request) (io.ReadCloser, error) {
	body := models.GenerateRequest{
		Key:      req.Key,
		Messages: req.Messages,
		Pass:     req.Pass,
		Time:     c.now().UnixMilli(),
	}
	if c.signer != nil {
		sig, err := c.signer.Sign(models.SignaturePayload{T: body.Time, M: body.LastContent()})
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		body.Sign = sig
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		relayErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		if relayErr.Message == "" {
			relayErr.Message = http.StatusText(resp.StatusCode)
		}
		c.log.WithFields(logrus.Fields{
			"status":     resp.StatusCode,
			"request_id": resp.Header.Get("X-Request-ID"),
		}).Debug("relay rejected request")
		return nil, relayErr
	}

	return resp.Body, nil
}
