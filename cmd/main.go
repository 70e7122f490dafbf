// gpt-relay server
//
// This application relays chat requests from browser or terminal clients to an
// OpenAI-compatible chat completions API and streams the reply back as plain
// text. It checks an optional site password, verifies request signatures in
// production, throttles bursts of keyless requests, and decides which API key
// the upstream call uses.
//
// CLI Usage:
//
//	--listen=":8080"
//	  Address to listen on. Overrides LISTEN_ADDR.
//
//	--log-level="info"
//	  Logrus level (debug, info, warn, error). Overrides LOG_LEVEL.
//
//	--check-config
//	  Loads and validates the configuration, prints it with secrets masked and exits.
//
// Environment Variables:
//   - OPENAI_API_KEY: Server's own upstream API key
//   - OPENAI_API_BASE_URL: Upstream base URL (default https://api.openai.com)
//   - OPENAI_API_MODEL: Upstream model (default gpt-3.5-turbo)
//   - OPENAI_TEMPERATURE: Sampling temperature (default 0.6)
//   - SUPER_KEY: Caller key that is swapped for OPENAI_API_KEY
//   - HTTPS_PROXY: Forward proxy for upstream calls
//   - SITE_PASSWORD: Password callers must send
//   - PUBLIC_SECRET_KEY: Shared request signing secret
//   - MSG_LIMIT: Trailing messages forwarded per request (default 3)
//   - SIGNATURE_MAX_AGE: Accepted signature age, e.g. 5m; 0 disables the check
//   - PROD or APP_ENV=production: Require valid signatures
//   - LEGACY_ERROR_STATUS: Answer every relay error with status 200
//   - LISTEN_ADDR, LOG_LEVEL
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gpt-relay/internal/app"
	"gpt-relay/internal/llm"
	"gpt-relay/pkg/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// loadEnvFile loads environment variables from a .env file if present.
// It attempts to load from the current directory and parent directories
// up to the root directory.
func loadEnvFile(log logrus.FieldLogger) {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment variables from .env file in current directory")
		return
	}

	workDir, err := os.Getwd()
	if err != nil {
		log.WithError(err).Warn("Could not determine current directory")
		return
	}

	for dir := workDir; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				log.Debugf("Loaded environment variables from %s", envPath)
				return
			}
		}
	}

	log.Debug("No .env file found. Using existing environment variables.")
}

func printConfig(cfg *llm.Config) {
	fmt.Printf("Upstream:        %s (model %s, temperature %.2f)\n", cfg.ChatCompletionsURL(), cfg.Model, cfg.Temperature)
	fmt.Printf("Server key:      %s\n", utils.MaskToken(cfg.APIKey))
	fmt.Printf("Super key:       %v\n", cfg.SuperKey != "")
	fmt.Printf("HTTPS proxy:     %v\n", cfg.HTTPSProxy != "")
	fmt.Printf("Site password:   %v\n", cfg.SitePassword != "")
	fmt.Printf("Production:      %v (signature max age %s)\n", cfg.Production, cfg.SignatureMaxAge)
	fmt.Printf("Message window:  %d\n", cfg.MsgLimit)
	fmt.Printf("Legacy statuses: %v\n", cfg.LegacyErrorStatus)
	fmt.Printf("Listen address:  %s\n", cfg.ListenAddr)
}

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	loadEnvFile(log)

	listen := flag.String("listen", "", "Address to listen on (overrides LISTEN_ADDR)")
	logLevel := flag.String("log-level", "", "Log level (overrides LOG_LEVEL)")
	checkConfig := flag.Bool("check-config", false, "Validate the configuration and exit")
	flag.Parse()

	cfg := llm.LoadConfig()
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if *checkConfig {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
		printConfig(cfg)
		os.Exit(0)
	}

	if cfg.APIKey == "" {
		log.Warn("OPENAI_API_KEY is not set; only callers that send their own key will be served")
	}

	a, err := app.NewApp(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":       cfg.ListenAddr,
			"model":      cfg.Model,
			"production": cfg.Production,
		}).Info("Starting relay")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during server shutdown")
	} else {
		log.Info("Server gracefully stopped")
	}
}
