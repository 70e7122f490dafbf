// Package llm implements the relay between chat clients and an
// OpenAI-compatible chat completions API.
package llm

import (
	"errors"
	"strings"
	"time"

	"gpt-relay/internal/auth"
	"gpt-relay/pkg/utils"
)

const (
	// DefaultBaseURL is used when OPENAI_API_BASE_URL is not set.
	DefaultBaseURL = "https://api.openai.com"
	// DefaultModel is the upstream model identifier.
	DefaultModel = "gpt-3.5-turbo"
	// DefaultTemperature is the sampling temperature sent upstream.
	DefaultTemperature = 0.6
	// DefaultMsgLimit is the number of trailing messages sent upstream.
	DefaultMsgLimit = 3
	// DefaultListenAddr is the address the relay listens on.
	DefaultListenAddr = ":8080"
)

// Config contains the relay configuration. All values come from the
// environment (optionally populated from a .env file).
type Config struct {
	// APIKey is the server's own upstream API key (OPENAI_API_KEY)
	APIKey string
	// BaseURL is the upstream API base without trailing slash (OPENAI_API_BASE_URL)
	BaseURL string
	// Model is the upstream model identifier (OPENAI_API_MODEL)
	Model string
	// Temperature is the sampling temperature (OPENAI_TEMPERATURE)
	Temperature float32
	// SuperKey is the privileged caller key that maps to the server key (SUPER_KEY)
	SuperKey string
	// HTTPSProxy is an optional forward proxy for upstream calls (HTTPS_PROXY)
	HTTPSProxy string
	// SitePassword gates the relay when set (SITE_PASSWORD)
	SitePassword string
	// SecretKey is the shared signing secret (PUBLIC_SECRET_KEY)
	SecretKey string
	// MsgLimit is the message window; 0 disables windowing (MSG_LIMIT)
	MsgLimit int
	// SignatureMaxAge bounds the age of signed timestamps; 0 disables (SIGNATURE_MAX_AGE)
	SignatureMaxAge time.Duration
	// Production enables signature verification (PROD or APP_ENV=production)
	Production bool
	// LegacyErrorStatus answers every relay error with 200 (LEGACY_ERROR_STATUS)
	LegacyErrorStatus bool
	// ListenAddr is the HTTP listen address (LISTEN_ADDR)
	ListenAddr string
	// LogLevel is a logrus level name (LOG_LEVEL)
	LogLevel string
}

// LoadConfig reads the relay configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		APIKey:            strings.TrimSpace(utils.GetEnvWithDefault("OPENAI_API_KEY", "")),
		BaseURL:           utils.TrimBaseURL(utils.GetEnvWithDefault("OPENAI_API_BASE_URL", DefaultBaseURL)),
		Model:             utils.GetEnvWithDefault("OPENAI_API_MODEL", DefaultModel),
		Temperature:       float32(utils.GetEnvFloat("OPENAI_TEMPERATURE", DefaultTemperature)),
		SuperKey:          utils.GetEnvWithDefault("SUPER_KEY", ""),
		HTTPSProxy:        utils.GetEnvWithDefault("HTTPS_PROXY", ""),
		SitePassword:      utils.GetEnvWithDefault("SITE_PASSWORD", ""),
		SecretKey:         utils.GetEnvWithDefault("PUBLIC_SECRET_KEY", ""),
		MsgLimit:          utils.GetEnvInt("MSG_LIMIT", DefaultMsgLimit),
		SignatureMaxAge:   utils.GetEnvDuration("SIGNATURE_MAX_AGE", auth.DefaultMaxAge),
		Production:        utils.GetEnvBool("PROD") || strings.EqualFold(utils.GetEnvWithDefault("APP_ENV", ""), "production"),
		LegacyErrorStatus: utils.GetEnvBool("LEGACY_ERROR_STATUS"),
		ListenAddr:        utils.GetEnvWithDefault("LISTEN_ADDR", DefaultListenAddr),
		LogLevel:          utils.GetEnvWithDefault("LOG_LEVEL", "info"),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("upstream base url must not be empty")
	}
	if c.Model == "" {
		return errors.New("upstream model must not be empty")
	}
	if c.Production && c.SecretKey == "" {
		return errors.New("PUBLIC_SECRET_KEY is required in production mode")
	}
	return nil
}

// ChatCompletionsURL returns the upstream chat completions endpoint.
func (c *Config) ChatCompletionsURL() string {
	return c.BaseURL + "/v1/chat/completions"
}
