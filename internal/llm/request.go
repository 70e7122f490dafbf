package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"gpt-relay/pkg/models"
	"gpt-relay/pkg/utils"

	openai "github.com/sashabaranov/go-openai"
)

// BuildWindow returns the messages sent for a turn: the last limit entries of
// history, preceded by a system message when systemRole is non-empty. A limit
// of zero or less keeps the whole history.
//
// history must already contain the user message being submitted.
func BuildWindow(history []models.Message, systemRole string, limit int) []models.Message {
	start := 0
	if limit > 0 && len(history) > limit {
		start = len(history) - limit
	}

	out := make([]models.Message, 0, len(history)-start+1)
	if systemRole != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: systemRole})
	}
	return append(out, history[start:]...)
}

// ApplyWindow re-applies the message window to a request received from a
// client, keeping a leading system message outside the window.
func ApplyWindow(messages []models.Message, limit int) []models.Message {
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		return BuildWindow(messages[1:], messages[0].Content, limit)
	}
	return BuildWindow(messages, "", limit)
}

// NewCompletionRequest packages messages into the upstream streaming payload.
func NewCompletionRequest(cfg *Config, messages []models.Message) openai.ChatCompletionRequest {
	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    apiMessages,
		Temperature: cfg.Temperature,
		Stream:      true,
	}
}

// BuildRequest creates the upstream HTTP request for a completion. The
// returned request carries a fresh X-Request-ID.
func BuildRequest(ctx context.Context, cfg *Config, apiKey string, messages []models.Message) (*http.Request, error) {
	body, err := json.Marshal(NewCompletionRequest(cfg, messages))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ChatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-Request-ID", utils.NewRequestID())
	return req, nil
}
