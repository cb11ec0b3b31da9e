// Package stripe adapts Stripe Checkout to the provider.Adapter interface.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/provider"
)

const Name = "stripe"

// metaPaymentID is the Stripe metadata key carrying our payment id.
const metaPaymentID = "payment_id"

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint. Empty uses api.stripe.com.
	BaseURL    string
	HTTPClient *http.Client
	Currencies []string
}

type Adapter struct {
	cfg Config
	api *client.API
}

func New(cfg Config) *Adapter {
	backend := &stripe.BackendConfig{
		// Checkout creation is retried by the storefront with a fresh payment.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.HTTPClient != nil {
		backend.HTTPClient = cfg.HTTPClient
	}
	if cfg.BaseURL != "" {
		backend.URL = stripe.String(cfg.BaseURL)
	}
	return &Adapter{
		cfg: cfg,
		api: client.New(cfg.SecretKey, stripe.NewBackendsWithConfig(backend)),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) SignatureHeader() string { return "Stripe-Signature" }

func (a *Adapter) Policy() provider.Policy {
	return provider.Policy{
		IdempotencyKey:   provider.KeySession,
		AmountTolerance:  0,
		RequireCancelURL: true,
		Currencies:       a.cfg.Currencies,
	}
}

// CreateSession opens a one-off payment Checkout Session priced from the
// payment's product snapshot. Our payment id is the idempotency key.
func (a *Adapter) CreateSession(ctx context.Context, sp provider.SessionParams, p *model.Payment) (*provider.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(p.Currency)),
					UnitAmount: stripe.Int64(p.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.Product.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(sp.SuccessURL),
		ClientReferenceID: stripe.String(p.ID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metaPaymentID: p.ID},
		},
	}
	if sp.CancelURL != "" {
		params.CancelURL = stripe.String(sp.CancelURL)
	}
	if sp.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(sp.CustomerEmail)
	}
	params.AddMetadata(metaPaymentID, p.ID)
	params.AddMetadata("product_id", p.Product.ID)
	params.SetIdempotencyKey(p.ID)
	params.Context = ctx

	sess, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "create stripe checkout session", err)
	}
	return &provider.Session{URL: sess.URL, ID: sess.ID}, nil
}

func (a *Adapter) VerifyWebhook(body []byte, header string) bool {
	if a.cfg.WebhookSecret == "" {
		return true
	}
	return webhook.ValidatePayload(body, header, a.cfg.WebhookSecret) == nil
}

// NormalizeEvent maps Stripe events onto canonical ones. Sessions that are
// complete but still awaiting an async payment, and partial refunds, are
// returned untyped so they are acknowledged without processing.
func (a *Adapter) NormalizeEvent(body []byte) (provider.CanonicalEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return provider.CanonicalEvent{}, apperr.Wrap(apperr.InvalidPayload, "decode stripe event", err)
	}
	out := provider.CanonicalEvent{ProviderType: string(ev.Type)}

	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		sess, err := decodeSession(ev)
		if err != nil {
			return out, err
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
			sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return out, nil
		}
		fromSession(&out, sess)
		out.Type = provider.EventCompleted
		if err := provider.CheckAmount(out, a.Policy()); err != nil {
			return out, err
		}

	case "checkout.session.expired", "checkout.session.async_payment_failed":
		sess, err := decodeSession(ev)
		if err != nil {
			return out, err
		}
		fromSession(&out, sess)
		out.Type = provider.EventFailed
		out.Status = string(model.PaymentFailed)
		out.Reason = strings.TrimPrefix(string(ev.Type), "checkout.session.")

	case "charge.refunded":
		var ch stripe.Charge
		if err := decodeObject(ev, &ch); err != nil {
			return out, err
		}
		if !ch.Refunded {
			return out, nil
		}
		out.Type = provider.EventRefunded
		out.Amount = ch.AmountRefunded
		out.Currency = strings.ToUpper(string(ch.Currency))
		out.Metadata = ch.Metadata
		out.Reference = ch.Metadata[metaPaymentID]
		out.Status = string(model.PaymentRefunded)
		if ch.PaymentIntent != nil {
			out.PaymentID = ch.PaymentIntent.ID
		}
		if ch.BillingDetails != nil {
			out.Customer = model.Customer{Email: ch.BillingDetails.Email, Name: ch.BillingDetails.Name}
		}
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0].Reason != "" {
			out.Reason = string(ch.Refunds.Data[0].Reason)
		}
	}
	return out, nil
}

func decodeObject(ev stripe.Event, v any) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return apperr.New(apperr.InvalidPayload, fmt.Sprintf("stripe event %s has no data", ev.Type))
	}
	if err := json.Unmarshal(ev.Data.Raw, v); err != nil {
		return apperr.Wrap(apperr.InvalidPayload, "decode stripe event object", err)
	}
	return nil
}

func decodeSession(ev stripe.Event) (*stripe.CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if err := decodeObject(ev, &sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, apperr.New(apperr.InvalidPayload, "checkout session without id")
	}
	return &sess, nil
}

func fromSession(out *provider.CanonicalEvent, sess *stripe.CheckoutSession) {
	out.SessionID = sess.ID
	out.Reference = sess.ClientReferenceID
	out.Amount = sess.AmountTotal
	out.Currency = strings.ToUpper(string(sess.Currency))
	out.Metadata = sess.Metadata
	out.Status = string(sess.PaymentStatus)
	if sess.PaymentIntent != nil {
		out.PaymentID = sess.PaymentIntent.ID
	}
	out.Customer.Email = sess.CustomerEmail
	if sess.CustomerDetails != nil {
		if sess.CustomerDetails.Email != "" {
			out.Customer.Email = sess.CustomerDetails.Email
		}
		out.Customer.Name = sess.CustomerDetails.Name
	}
}
