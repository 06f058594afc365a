package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/dispatch"
	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/metrics"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/scheduler"
	"github.com/Sigma-Snaken/bio-patrol/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Hub        *websocket.Hub
	Metrics    *metrics.Registry
	Logger     *zap.Logger

	// Gateways maps robot id to its fleet gateway, for the status and
	// passthrough-free robot endpoints.
	Gateways map[string]*fleet.Gateway

	// Repositories used directly by handlers that do not need service-layer logic.
	Scans    repositories.ScanRepository
	Settings repositories.SettingsRepository
}

// NewRouter builds and returns the fully configured Chi router.
// Liveness and Prometheus metrics are served from the root; everything else
// is registered under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	taskHandler := NewTaskHandler(cfg.Dispatcher, cfg.Logger)
	robotHandler := NewRobotHandler(cfg.Dispatcher, cfg.Gateways, cfg.Logger)
	scanHandler := NewScanHandler(cfg.Scans, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Scheduler, cfg.Logger)
	patrolHandler := NewPatrolHandler(cfg.Scheduler, cfg.Dispatcher, cfg.Gateways, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	// Liveness probe for container orchestration.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheus scrape endpoint.
	r.Handle("/metrics", cfg.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Tasks
		r.Get("/tasks", taskHandler.List)
		r.Post("/tasks", taskHandler.Create)
		r.Get("/tasks/{taskID}", taskHandler.GetByID)
		r.Post("/tasks/{taskID}/cancel", taskHandler.Cancel)
		r.Delete("/tasks/{taskID}", taskHandler.Delete)

		// Robots
		r.Get("/robots", robotHandler.List)
		r.Get("/robots/{robotID}/status", robotHandler.Status)
		r.Get("/robots/{robotID}/shelves", robotHandler.Shelves)
		r.Get("/robots/{robotID}/locations", robotHandler.Locations)

		// Scan history
		r.Get("/scans", scanHandler.List)

		// Notification settings
		r.Get("/settings/telegram", settingsHandler.GetTelegram)
		r.Put("/settings/telegram", settingsHandler.PutTelegram)

		// Patrol schedules
		r.Get("/schedules", scheduleHandler.List)
		r.Post("/schedules/reload", scheduleHandler.Reload)

		// Manual patrol control
		r.Post("/patrol/start", patrolHandler.Start)
		r.Post("/patrol/recover-shelf", patrolHandler.RecoverShelf)

		// WebSocket event stream
		r.Get("/ws", wsHandler.ServeWS)
	})

	return r
}
