package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/ragbox-backend/internal/handler"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB                 handler.DBPinger
	AuthService        *service.AuthService
	FrontendURL        string
	Version            string
	Metrics            *middleware.Metrics
	MetricsReg         *prometheus.Registry
	InternalAuthSecret string

	ChatDeps        handler.ChatDeps
	MemoryDeps      handler.MemoryDeps
	PreferencesDeps handler.PreferencesDeps

	// Rate limiters (nil = no rate limiting)
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOrFirebaseAuth(deps.AuthService, deps.InternalAuthSecret))

		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		timeout30s := middleware.Timeout(30 * time.Second)

		// Memory ingestion. Text ingestion is quick; blob ingestion (pdf/
		// image/audio) involves parsing and gets a longer timeout.
		r.With(timeout30s).Post("/api/memories", handler.IngestText(deps.MemoryDeps))
		r.With(middleware.Timeout(120 * time.Second)).Post("/api/memories/blob", handler.IngestBlob(deps.MemoryDeps))

		// Preferences (component I re-ranking inputs).
		r.With(timeout30s).Get("/api/preferences", handler.GetPreferences(deps.PreferencesDeps))
		r.With(timeout30s).Put("/api/preferences", handler.SetPreferences(deps.PreferencesDeps))

		// Chat — SSE streaming, no write timeout. Stricter rate limit.
		if deps.ChatRateLimiter != nil {
			r.With(middleware.RateLimit(deps.ChatRateLimiter)).Post("/api/chat", handler.Chat(deps.ChatDeps))
		} else {
			r.Post("/api/chat", handler.Chat(deps.ChatDeps))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
