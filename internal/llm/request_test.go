package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"gpt-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(s string) models.Message      { return models.Message{Role: models.RoleUser, Content: s} }
func assistant(s string) models.Message { return models.Message{Role: models.RoleAssistant, Content: s} }

func TestBuildWindow(t *testing.T) {
	t.Run("single message without system role", func(t *testing.T) {
		got := BuildWindow([]models.Message{user("Hello")}, "", 3)
		assert.Equal(t, []models.Message{user("Hello")}, got)
	})

	t.Run("system role prepended", func(t *testing.T) {
		got := BuildWindow([]models.Message{user("Hello")}, "be brief", 3)
		require.Len(t, got, 2)
		assert.Equal(t, models.Message{Role: models.RoleSystem, Content: "be brief"}, got[0])
		assert.Equal(t, user("Hello"), got[1])
	})

	t.Run("window slices history including new user message", func(t *testing.T) {
		var history []models.Message
		for i := 0; i < 5; i++ {
			history = append(history, user("q"+string(rune('0'+i))), assistant("a"+string(rune('0'+i))))
		}
		history = append(history, user("new"))

		got := BuildWindow(history, "", 3)
		assert.Equal(t, []models.Message{user("q4"), assistant("a4"), user("new")}, got)
	})

	t.Run("zero limit keeps everything", func(t *testing.T) {
		history := []models.Message{user("a"), assistant("b"), user("c"), assistant("d")}
		assert.Equal(t, history, BuildWindow(history, "", 0))
	})

	t.Run("does not alias history", func(t *testing.T) {
		history := []models.Message{user("a"), assistant("b")}
		got := BuildWindow(history, "sys", 3)
		got[1].Content = "changed"
		assert.Equal(t, "a", history[0].Content)
	})
}

func TestApplyWindow(t *testing.T) {
	sys := models.Message{Role: models.RoleSystem, Content: "sys"}
	msgs := []models.Message{sys, user("1"), assistant("2"), user("3"), assistant("4"), user("5")}

	got := ApplyWindow(msgs, 3)
	assert.Equal(t, []models.Message{sys, user("3"), assistant("4"), user("5")}, got)

	got = ApplyWindow(msgs[1:], 2)
	assert.Equal(t, []models.Message{assistant("4"), user("5")}, got)
}

func TestBuildRequest(t *testing.T) {
	cfg := &Config{BaseURL: "https://upstream.example", Model: "gpt-test", Temperature: 0.6}

	req, err := BuildRequest(context.Background(), cfg, "sk-123", []models.Message{user("Hello")})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://upstream.example/v1/chat/completions", req.URL.String())
	assert.Equal(t, "Bearer sk-123", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.NotEmpty(t, req.Header.Get("X-Request-ID"))

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)

	var body struct {
		Model       string           `json:"model"`
		Messages    []models.Message `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "gpt-test", body.Model)
	assert.True(t, body.Stream)
	assert.InDelta(t, 0.6, body.Temperature, 0.0001)
	assert.Equal(t, []models.Message{user("Hello")}, body.Messages)
}
