package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"medbot/internal/config"
	"medbot/internal/db"
	"medbot/internal/llm"
	"medbot/internal/middleware"
	"medbot/internal/retrieval"
)

// BuildLister lists recent index builds.
type BuildLister interface {
	Recent(ctx context.Context, limit int) ([]db.BuildEntry, error)
}

// App holds the services the HTTP handlers depend on.
type App struct {
	Retrieval *retrieval.Service
	Config    *config.ConfigManager
	LLM       llm.Factory
	Builds    BuildLister             // optional
	Limiter   *middleware.RateLimiter // optional, applied to chat
}

// NewRouter registers the API routes and wraps them in the common middleware.
func NewRouter(app *App) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "Not found.")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})

	chat := HandleChat(app)
	if app.Limiter != nil {
		chat = app.Limiter.Limit()(chat)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", HandleStatus(app)).Methods(http.MethodGet)
	api.HandleFunc("/chat", chat).Methods(http.MethodPost)
	api.HandleFunc("/search", HandleSearch(app)).Methods(http.MethodPost)
	api.HandleFunc("/reindex", HandleReindex(app)).Methods(http.MethodPost)
	api.HandleFunc("/cases", HandleCases(app)).Methods(http.MethodGet)
	api.HandleFunc("/builds", HandleBuilds(app)).Methods(http.MethodGet)

	var origins []string
	if app.Config != nil {
		origins = app.Config.Get().Server.AllowedOrigins
	}
	// Recover sits inside Tracing so a panic is recorded on the request span.
	return middleware.Chain(
		middleware.RequestID(),
		middleware.Tracing(),
		middleware.Recover(),
		middleware.CORS(origins...),
	)(r.ServeHTTP)
}

func (app *App) settings() *config.Config {
	if app.Config == nil {
		return config.DefaultConfig()
	}
	return app.Config.Get()
}
