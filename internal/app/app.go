package app

import (
	"encoding/json"
	"net/http"

	"gpt-relay/internal/llm"
	"gpt-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

// App represents the main application with its router and the relay state.
type App struct {
	Router *http.ServeMux
	Relay  *llm.ServerState

	log logrus.FieldLogger
}

// NewApp creates and initializes a new instance of the App struct.
func NewApp(cfg *llm.Config, log logrus.FieldLogger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	relay, err := llm.NewLLMServerState(cfg, log)
	if err != nil {
		return nil, err
	}

	app := &App{
		Router: http.NewServeMux(),
		Relay:  relay,
		log:    log,
	}

	app.initializeRoutes()
	return app, nil
}

func (a *App) initializeRoutes() {
	a.Router.HandleFunc("/status", a.handleStatus)
	a.Relay.RegisterHandlers(a.Router)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := a.Relay.Config()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.StatusResponse{
		Status:     "ok",
		Production: cfg.Production,
		Password:   cfg.SitePassword != "",
	}); err != nil {
		a.log.WithError(err).Debug("failed to write status")
	}
}
