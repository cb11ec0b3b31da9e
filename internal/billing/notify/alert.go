package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

// Alerter raises an operator alert about a payment that needs attention.
// Implementations must not block on delivery.
type Alerter interface {
	Alert(ctx context.Context, p *model.Payment, summary string, cause error)
}

// EmailAlerter dispatches an ops email through a Notifier.
type EmailAlerter struct {
	Notifier Notifier
	To       string
}

func (a EmailAlerter) Alert(_ context.Context, p *model.Payment, summary string, cause error) {
	if a.To == "" {
		return
	}
	a.Notifier.Dispatch(ManualFulfillment(a.To, p, summary, cause))
}

// SentryAlerter reports alerts as Sentry events on its own hub.
type SentryAlerter struct {
	hub *sentry.Hub
}

func NewSentryAlerter(opts sentry.ClientOptions) (*SentryAlerter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &SentryAlerter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (a *SentryAlerter) Alert(_ context.Context, p *model.Payment, summary string, cause error) {
	if cause == nil {
		cause = errors.New(summary)
	}
	a.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("payment_id", p.ID)
		scope.SetTag("provider", p.Provider)
		scope.SetTag("product_id", p.Product.ID)
		scope.SetContext("payment", sentry.Context{
			"status":  string(p.Status),
			"amount":  p.Amount,
			"summary": summary,
		})
		a.hub.CaptureException(cause)
	})
}

// Flush waits for buffered events to be sent.
func (a *SentryAlerter) Flush(timeout time.Duration) bool {
	return a.hub.Flush(timeout)
}

// MultiAlerter fans an alert out to several alerters.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, p *model.Payment, summary string, cause error) {
	for _, a := range m {
		a.Alert(ctx, p, summary, cause)
	}
}

// LogAlerter logs alerts at error level. It is always part of the chain so
// an alert is visible even with no ops channel configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(_ context.Context, p *model.Payment, summary string, cause error) {
	a.Logger.Error("payment needs attention", "payment_id", p.ID, "summary", summary, "error", cause)
}
