package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/dukerupert/keyfulfill/internal/billing/activation"
	"github.com/dukerupert/keyfulfill/internal/billing/fulfillment"
	"github.com/dukerupert/keyfulfill/internal/billing/handler"
	"github.com/dukerupert/keyfulfill/internal/billing/metrics"
	billingmw "github.com/dukerupert/keyfulfill/internal/billing/middleware"
	sharedmw "github.com/dukerupert/keyfulfill/internal/middleware"
)

type Server struct {
	db          *sql.DB
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         Config
	webhookH    *handler.WebhookHandler
	checkoutH   *handler.CheckoutHandler
	licenseH    *handler.LicenseHandler
	adminH      *handler.AdminHandler
	rateLimiter *sharedmw.RateLimiter
}

type Config struct {
	AdminTokenHash string
	RateLimitRPS   float64
	RateLimitBurst int
}

func New(db *sql.DB, fs *fulfillment.Service, as *activation.Service, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1
	}
	if cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = 10
	}
	return &Server{
		db:          db,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		webhookH:    handler.NewWebhookHandler(fs, logger.With("component", "webhook")),
		checkoutH:   handler.NewCheckoutHandler(fs, logger.With("component", "checkout")),
		licenseH:    handler.NewLicenseHandler(as, logger.With("component", "license")),
		adminH:      handler.NewAdminHandler(fs, logger.With("component", "admin")),
		rateLimiter: sharedmw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *sharedmw.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(sharedmw.RequestLogger(s.logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.healthCheck)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Provider webhooks (public, signature-checked)
	r.Post("/webhooks/{provider}", s.webhookH.Handle)

	// Storefront
	r.Post("/api/checkout", s.checkoutH.Create)

	// Licensed clients (public, rate-limited per IP)
	r.Route("/api/license", func(r chi.Router) {
		r.Use(sharedmw.RateLimit(s.rateLimiter, sharedmw.RealIP))
		r.Post("/activate", s.licenseH.Activate)
		r.Post("/validate", s.licenseH.Validate)
		r.Post("/deactivate", s.licenseH.Deactivate)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(billingmw.RequireAdmin(s.cfg.AdminTokenHash, s.logger.With("component", "admin_auth")))
		r.Get("/payments", s.adminH.ListPayments)
		r.Get("/payments/{id}", s.adminH.GetPayment)
		r.Post("/payments/{id}/retry", s.adminH.Retry)
	})

	return r
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "unavailable"})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}
