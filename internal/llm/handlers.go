package llm

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"gpt-relay/internal/auth"
	"gpt-relay/pkg/models"
	"gpt-relay/pkg/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxRequestBody bounds the size of a /api/generate body.
const maxRequestBody = 1 << 20

// ServerState holds the state for the relay endpoint. The rate window is
// owned here and shared by every request served by this state.
type ServerState struct {
	Service *Service
	Signer  *auth.Signer
	Window  *RateWindow

	config *Config
	log    logrus.FieldLogger
	now    func() time.Time

	// throttledLog limits how often rejected bursts are logged.
	throttledLog rate.Sometimes
}

// NewLLMServerState creates the relay state from a configuration. A signer is
// only created when a secret is configured; production mode requires one.
func NewLLMServerState(cfg *Config, log logrus.FieldLogger) (*ServerState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	svc, err := NewService(cfg, log)
	if err != nil {
		return nil, err
	}

	var signer *auth.Signer
	if cfg.SecretKey != "" {
		signer, err = auth.NewSigner(cfg.SecretKey, auth.WithMaxAge(cfg.SignatureMaxAge))
		if err != nil {
			return nil, err
		}
	}

	return &ServerState{
		Service:      svc,
		Signer:       signer,
		Window:       NewRateWindow(),
		config:       cfg,
		log:          log,
		now:          time.Now,
		throttledLog: rate.Sometimes{Interval: time.Minute},
	}, nil
}

// Config returns the relay configuration.
func (s *ServerState) Config() *Config {
	return s.config
}

// validate runs the request checks in order; the first failure wins. count
// is the burst counter observed for this request.
func (s *ServerState) validate(req *models.GenerateRequest, count int) *Error {
	if len(req.Messages) == 0 {
		return validationError(ErrNoInput)
	}
	if !auth.CheckPassword(s.config.SitePassword, req.Pass) {
		return validationError(ErrInvalidPassword)
	}
	if s.config.Production {
		payload := models.SignaturePayload{T: req.Time, M: req.LastContent()}
		if s.Signer == nil || !s.Signer.Verify(payload, req.Sign) {
			return validationError(ErrInvalidSignature)
		}
	}
	if req.Key == "" && Exceeded(count) {
		return rateLimitError()
	}
	return nil
}

// writeError answers with the error text as a plain-text body.
func (s *ServerState) writeError(w http.ResponseWriter, e *Error) {
	status := e.HTTPStatus()
	if s.config.LegacyErrorStatus {
		status = http.StatusOK
	}
	if e.Kind == KindRateLimit {
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, e.Message)
}

// HandleGenerate handles POST /api/generate: it validates the request,
// forwards it upstream and streams the decoded completion text back.
func (s *ServerState) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Every request counts toward the burst, valid or not.
	count := s.Window.Observe(s.now())
	requestID := utils.NewRequestID()
	log := s.log.WithField("request_id", requestID)
	w.Header().Set("X-Request-ID", requestID)

	var req models.GenerateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		log.WithError(err).Debug("invalid request body")
		s.writeError(w, validationError(ErrNoInput))
		return
	}

	if verr := s.validate(&req, count); verr != nil {
		if verr.Kind == KindRateLimit {
			s.throttledLog.Do(func() {
				log.WithField("count", count).Warn("rate limit exceeded for keyless requests")
			})
		} else {
			log.WithField("reason", verr.Message).Info("request rejected")
		}
		s.writeError(w, verr)
		return
	}

	apiKey := auth.SelectAPIKey(req.Key, s.config.SuperKey, s.config.APIKey)
	messages := ApplyWindow(req.Messages, s.config.MsgLimit)

	start := time.Now()
	resp, err := s.Service.Complete(r.Context(), apiKey, messages)
	if err != nil {
		var relayErr *Error
		if !errors.As(err, &relayErr) {
			relayErr = transportError(err)
		}
		s.writeError(w, relayErr)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	written := 0
	for delta := range DecodeStream(r.Context(), resp.Body) {
		if delta.Err != nil {
			log.WithError(delta.Err).WithField("bytes", written).Warn("upstream stream aborted")
			// Drop the connection so the caller sees a truncated body
			// instead of a clean end of reply.
			panic(http.ErrAbortHandler)
		}
		n, err := io.WriteString(w, delta.Text)
		written += n
		if err != nil {
			// Client went away; the request context cancels the decoder.
			log.WithError(err).Debug("client disconnected")
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	log.WithFields(logrus.Fields{
		"bytes":    written,
		"duration": time.Since(start),
	}).Info("completion streamed")
}

// RegisterHandlers registers the relay handlers with a router
func (s *ServerState) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/generate", s.HandleGenerate)
}
