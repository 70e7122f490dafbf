package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gpt-relay/pkg/models"
	"gpt-relay/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of an upstream error body is read.
const maxErrorBody = 64 * 1024

var (
	// ErrAPIKeyMissing is returned when neither the caller nor the server has a key.
	ErrAPIKeyMissing = errors.New("upstream API key not configured")
)

// Service manages calls to the upstream chat completions API.
type Service struct {
	config     *Config
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewService creates a Service. Upstream calls go through cfg.HTTPSProxy when set.
func NewService(cfg *Config, log logrus.FieldLogger) (*Service, error) {
	client, err := utils.NewHTTPClient(cfg.HTTPSProxy)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		config:     cfg,
		httpClient: client,
		log:        log,
	}, nil
}

// GetConfig returns the service's configuration
func (s *Service) GetConfig() *Config {
	return s.config
}

// SetHTTPClient replaces the client used for upstream calls.
func (s *Service) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

// Complete sends a streaming completion request upstream. On success the
// caller owns the returned response and must close its body. Non-2xx
// responses are turned into a KindUpstream *Error carrying the upstream
// error message.
func (s *Service) Complete(ctx context.Context, apiKey string, messages []models.Message) (*http.Response, error) {
	if apiKey == "" {
		return nil, &Error{Kind: KindUpstream, Message: ErrAPIKeyMissing.Error(), StatusCode: http.StatusInternalServerError, Err: ErrAPIKeyMissing}
	}

	req, err := BuildRequest(ctx, s.config, apiKey, messages)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"request_id": req.Header.Get("X-Request-ID"),
		"model":      s.config.Model,
		"messages":   len(messages),
		"key":        utils.MaskToken(apiKey),
	})

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("upstream request failed")
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		upErr := upstreamError(resp.StatusCode, body)
		log.WithFields(logrus.Fields{
			"status":   resp.StatusCode,
			"duration": time.Since(start),
		}).Warnf("upstream returned error: %s", upErr.Message)
		return nil, upErr
	}

	log.WithField("duration", time.Since(start)).Debug("upstream stream opened")
	return resp, nil
}

// upstreamError builds an *Error from a non-success upstream response. The
// message comes from the OpenAI error envelope {"error":{"message":...}}
// when present.
func upstreamError(status int, body []byte) *Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
	}
	return &Error{
		Kind:       KindUpstream,
		Message:    msg,
		StatusCode: status,
		Err:        fmt.Errorf("upstream status %d", status),
	}
}
