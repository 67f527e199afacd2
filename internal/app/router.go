package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rentwise/rentwise/internal/billing"
	"github.com/rentwise/rentwise/internal/lease"
	"github.com/rentwise/rentwise/internal/ledger"
	"github.com/rentwise/rentwise/internal/observability"
	"github.com/rentwise/rentwise/internal/readings"
	"github.com/rentwise/rentwise/internal/review"
	"github.com/rentwise/rentwise/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	ReadingsHandler *readings.Handler
	BillingHandler  *billing.Handler
	LedgerHandler   *ledger.Handler
	ReviewHandler   *review.Handler
	LeaseHandler    *lease.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	// Ready reports dependency health for /readyz; nil means always ready.
	Ready func(r *http.Request) error
}

// NewRouter constructs the chi.Router with rentwise defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ready != nil {
			if err := params.Ready(r); err != nil {
				params.Logger.Warn("readiness check", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	apiLimit, webhookLimit := 0, 0
	if params.Config != nil {
		apiLimit, webhookLimit = params.Config.RateLimitPerMinute, params.Config.WebhookRateLimitPerMinute
	}

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(apiLimit))
		if params.ReadingsHandler != nil {
			params.ReadingsHandler.MountRoutes(r)
		}
		if params.BillingHandler != nil {
			params.BillingHandler.MountRoutes(r)
		}
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.ReviewHandler != nil {
			params.ReviewHandler.MountRoutes(r)
		}
		if params.LeaseHandler != nil {
			params.LeaseHandler.MountRoutes(r)
		}
	})

	if params.LedgerHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(webhookLimit))
			params.LedgerHandler.MountWebhooks(r)
		})
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
