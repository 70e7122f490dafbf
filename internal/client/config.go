package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gpt-relay/internal/llm"
	"gpt-relay/internal/session"
	"gpt-relay/pkg/utils"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultEndpoint is the relay the client talks to out of the box.
	DefaultEndpoint = "http://localhost:8080"

	configDirName  = ".gpt-relay"
	configFileName = "client.toml"
	storeFileName  = "session.db"
)

// Config is the terminal client's configuration, read from
// ~/.gpt-relay/client.toml and overridden by the environment.
type Config struct {
	// Endpoint is the relay base URL.
	Endpoint string `toml:"endpoint"`
	// SecretKey signs requests; it must match the relay's PUBLIC_SECRET_KEY.
	SecretKey string `toml:"secret_key"`
	// MsgLimit is how many trailing messages are sent per turn.
	MsgLimit int `toml:"msg_limit"`
	// StorePath is the SQLite file holding the saved session.
	StorePath string `toml:"store_path"`
	// ScrollIntervalMS throttles redraws while a reply streams in.
	ScrollIntervalMS int `toml:"scroll_interval_ms"`
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
}

// ConfigDir returns ~/.gpt-relay.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// DefaultConfigPath returns ~/.gpt-relay/client.toml.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Endpoint:         DefaultEndpoint,
		MsgLimit:         llm.DefaultMsgLimit,
		ScrollIntervalMS: int(session.DefaultScrollInterval / time.Millisecond),
		LogLevel:         "warn",
	}
	if dir, err := ConfigDir(); err == nil {
		cfg.StorePath = filepath.Join(dir, storeFileName)
	}
	return cfg
}

// LoadConfig reads path on top of the defaults. A missing file is not an
// error. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies GPT_RELAY_ENDPOINT, PUBLIC_SECRET_KEY,
// PUBLIC_MSG_LIMIT and GPT_RELAY_STORE.
func (c *Config) ApplyEnvOverrides() {
	c.Endpoint = utils.GetEnvWithDefault("GPT_RELAY_ENDPOINT", c.Endpoint)
	c.SecretKey = utils.GetEnvWithDefault("PUBLIC_SECRET_KEY", c.SecretKey)
	c.MsgLimit = utils.GetEnvInt("PUBLIC_MSG_LIMIT", c.MsgLimit)
	c.StorePath = utils.GetEnvWithDefault("GPT_RELAY_STORE", c.StorePath)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	c.Endpoint = utils.TrimBaseURL(c.Endpoint)
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.MsgLimit < 0 {
		return fmt.Errorf("msg_limit must not be negative, got %d", c.MsgLimit)
	}
	if c.ScrollIntervalMS < 0 {
		return fmt.Errorf("scroll_interval_ms must not be negative, got %d", c.ScrollIntervalMS)
	}
	return nil
}

// ScrollInterval returns the configured redraw throttle.
func (c *Config) ScrollInterval() time.Duration {
	return time.Duration(c.ScrollIntervalMS) * time.Millisecond
}

// SaveConfig writes cfg to path as TOML, creating the directory if needed.
// The file holds a secret and is written owner-only.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
