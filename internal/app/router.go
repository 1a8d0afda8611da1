package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyops/tallyops/internal/billing"
	"github.com/tallyops/tallyops/internal/observability"
	"github.com/tallyops/tallyops/internal/schedule"
	"github.com/tallyops/tallyops/internal/summary"
	"github.com/tallyops/tallyops/jobs"
)

// RouterConfig carries the handlers mounted on the HTTP surface.
type RouterConfig struct {
	Logger   *slog.Logger
	Config   *Config
	Metrics  *observability.Metrics
	Pool     *pgxpool.Pool
	Billing  *billing.Handler
	Schedule *schedule.Handler
	Summary  *summary.Handler
	Jobs     *jobs.Handler
}

// NewRouter assembles the chi router with the full middleware stack.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  cfg.Logger,
		Config:  cfg.Config,
		Metrics: cfg.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Pool != nil {
			if err := cfg.Pool.Ping(req.Context()); err != nil {
				cfg.Logger.Error("healthz db ping", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if cfg.Billing != nil {
			cfg.Billing.MountRoutes(api)
		}
		if cfg.Schedule != nil {
			cfg.Schedule.MountRoutes(api)
		}
		if cfg.Summary != nil {
			cfg.Summary.MountRoutes(api)
		}
	})

	if cfg.Jobs != nil {
		r.Route("/jobs", cfg.Jobs.MountRoutes)
	}

	return r
}
