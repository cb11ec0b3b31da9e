package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dukerupert/keyfulfill/internal/billing/activation"
	"github.com/dukerupert/keyfulfill/internal/billing/config"
	"github.com/dukerupert/keyfulfill/internal/billing/database"
	"github.com/dukerupert/keyfulfill/internal/billing/fulfillment"
	"github.com/dukerupert/keyfulfill/internal/billing/licensekey"
	"github.com/dukerupert/keyfulfill/internal/billing/metrics"
	billingmw "github.com/dukerupert/keyfulfill/internal/billing/middleware"
	"github.com/dukerupert/keyfulfill/internal/billing/notify"
	"github.com/dukerupert/keyfulfill/internal/billing/provider"
	"github.com/dukerupert/keyfulfill/internal/billing/provider/hosted"
	"github.com/dukerupert/keyfulfill/internal/billing/provider/stripe"
	"github.com/dukerupert/keyfulfill/internal/billing/server"
	"github.com/dukerupert/keyfulfill/internal/billing/store"
	"github.com/dukerupert/keyfulfill/internal/email"
	"github.com/dukerupert/keyfulfill/internal/logging"
)

const sweepBatch = 100

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := hashToken(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("billing service failed", "error", err)
		os.Exit(1)
	}
}

// hashToken reads an admin token from stdin and prints the bcrypt hash to
// put in BILLING_ADMIN_TOKEN_HASH.
func hashToken() error {
	fmt.Fprint(os.Stderr, "admin token: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read token: %w", err)
	}
	hash, err := billingmw.HashToken(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	products := store.NewProductStore(db)
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !cfg.Production():
		logger.Warn("no product catalog, serving products already in the database", "path", cfg.CatalogPath)
	case err != nil:
		return err
	default:
		for _, p := range catalog {
			if err := products.Upsert(ctx, p); err != nil {
				return fmt.Errorf("load product %s: %w", p.ID, err)
			}
		}
		logger.Info("product catalog loaded", "products", len(catalog))
	}

	codec, err := licensekey.New(cfg.KeyPrefix, cfg.KeySalt)
	if err != nil {
		return err
	}
	if cfg.KeySalt == "" {
		logger.Warn("BILLING_KEY_SALT not set, using the default salt")
	}

	m := metrics.New()
	registry := buildRegistry(cfg, logger)

	payments := store.NewPaymentStore(db)
	audit := store.NewAuditStore(db)

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if mailer := email.NewClient(cfg.PostmarkToken, cfg.FromEmail); mailer.Configured() {
		sender = mailer
	} else {
		logger.Warn("email not configured, messages will be logged")
	}
	dispatcher := notify.NewDispatcher(sender, logger,
		notify.WithWorkers(cfg.NotifyWorkers),
		notify.WithQueueSize(cfg.NotifyQueueSize),
		notify.WithTimeout(cfg.NotifyTimeout),
		notify.WithMetrics(m),
		notify.WithFailureHook(notify.RecordFailures(payments, logger)),
	)

	alerters := notify.MultiAlerter{notify.LogAlerter{Logger: logger}}
	if cfg.OpsEmail != "" {
		alerters = append(alerters, notify.EmailAlerter{Notifier: dispatcher, To: cfg.OpsEmail})
	}
	var sentryAlerter *notify.SentryAlerter
	if cfg.SentryDSN != "" {
		sentryAlerter, err = notify.NewSentryAlerter(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		})
		if err != nil {
			return err
		}
		alerters = append(alerters, sentryAlerter)
	}

	licenses := activation.New(activation.Stores{
		Licenses: store.NewLicenseStore(db),
		Devices:  store.NewDeviceStore(db),
		Products: products,
		Audit:    audit,
	}, codec, logger, activation.WithMetrics(m))

	fs := fulfillment.New(fulfillment.Deps{
		Registry: registry,
		Payments: payments,
		Products: products,
		Audit:    audit,
		Licenses: licenses,
		Notifier: dispatcher,
		Alerter:  alerters,
		Metrics:  m,
		Logger:   logger,
	})

	srv := server.New(db, fs, licenses, m, server.Config{
		AdminTokenHash: cfg.AdminTokenHash,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background maintenance
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup(10 * time.Minute)
			case <-bgCtx.Done():
				return
			}
		}
	}()
	if cfg.RetryInterval > 0 {
		go sweep(bgCtx, fs, cfg.RetryInterval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing service starting", "addr", httpServer.Addr, "env", cfg.Env, "providers", registry.Names())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Error("notification drain", "error", err)
	}
	if sentryAlerter != nil {
		sentryAlerter.Flush(2 * time.Second)
	}
	return nil
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	var adapters []provider.Adapter
	if cfg.Stripe.Enabled() {
		adapters = append(adapters, stripe.New(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BaseURL:       cfg.Stripe.APIBaseURL,
			HTTPClient:    &http.Client{Timeout: cfg.ProviderTimeout},
			Currencies:    cfg.Stripe.Currencies,
		}))
		if cfg.Stripe.WebhookSecret == "" {
			logger.Warn("STRIPE_WEBHOOK_SECRET not set, stripe webhooks are not verified")
		}
	}
	if cfg.Hosted.Enabled() {
		adapters = append(adapters, hosted.New(hosted.Config{
			BaseURL:         cfg.Hosted.BaseURL,
			APIKey:          cfg.Hosted.APIKey,
			WebhookSecret:   cfg.Hosted.WebhookSecret,
			SignatureHeader: cfg.Hosted.SignatureHeader,
			Timeout:         cfg.ProviderTimeout,
			Currencies:      cfg.Hosted.Currencies,
		}))
		if cfg.Hosted.WebhookSecret == "" {
			logger.Warn("HOSTED_WEBHOOK_SECRET not set, hosted webhooks are not verified")
		}
	}
	if len(adapters) == 0 {
		logger.Warn("no payment provider configured, checkout and webhooks will be rejected")
	}
	return provider.NewRegistry(adapters...)
}

// sweep retries payments flagged for manual processing.
func sweep(ctx context.Context, fs *fulfillment.Service, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, _, err := fs.Sweep(ctx, sweepBatch); err != nil && ctx.Err() == nil {
				logger.Error("fulfillment sweep", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
