// Package hosted adapts a generic hosted-checkout provider that speaks JSON
// with decimal-string amounts and signs webhooks with "sha256=<hex>".
package hosted

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/provider"
)

const (
	Name                   = "hosted"
	DefaultSignatureHeader = "x-signature"
	signaturePrefix        = "sha256="
)

type Config struct {
	BaseURL         string
	APIKey          string
	WebhookSecret   string
	SignatureHeader string
	Timeout         time.Duration
	Currencies      []string
}

type Adapter struct {
	cfg    Config
	client *resty.Client
}

func New(cfg Config) *Adapter {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json")
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) SignatureHeader() string { return a.cfg.SignatureHeader }

// Policy resolves by our payment id, which the provider echoes as reference,
// and tolerates one minor unit of decimal rounding.
func (a *Adapter) Policy() provider.Policy {
	return provider.Policy{
		IdempotencyKey:       provider.KeyPayment,
		AmountTolerance:      1,
		RequireCustomerEmail: true,
		Currencies:           a.cfg.Currencies,
	}
}

type customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type checkoutRequest struct {
	Reference  string            `json:"reference"`
	Amount     string            `json:"amount"`
	Currency   string            `json:"currency"`
	ItemName   string            `json:"item_name"`
	Customer   customer          `json:"customer"`
	SuccessURL string            `json:"success_url"`
	CancelURL  string            `json:"cancel_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *Adapter) CreateSession(ctx context.Context, sp provider.SessionParams, p *model.Payment) (*provider.Session, error) {
	req := checkoutRequest{
		Reference:  p.ID,
		Amount:     FormatAmount(p.Amount, p.Currency),
		Currency:   strings.ToUpper(p.Currency),
		ItemName:   p.Product.Name,
		Customer:   customer{Email: sp.CustomerEmail, Name: sp.CustomerName},
		SuccessURL: sp.SuccessURL,
		CancelURL:  sp.CancelURL,
		Metadata:   map[string]string{"product_id": p.Product.ID},
	}

	var out checkoutResponse
	var failure errorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", p.ID).
		SetBody(req).
		SetResult(&out).
		SetError(&failure).
		Post("/checkouts")
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "create hosted checkout", err)
	}
	if resp.IsError() {
		msg := failure.Message
		if msg == "" {
			msg = failure.Error
		}
		return nil, apperr.Wrap(apperr.ProviderError, "create hosted checkout",
			fmt.Errorf("status %d: %s", resp.StatusCode(), msg))
	}
	if out.ID == "" || out.URL == "" {
		return nil, apperr.New(apperr.ProviderError, "hosted checkout response missing id or url")
	}
	return &provider.Session{URL: out.URL, ID: out.ID}, nil
}

func (a *Adapter) VerifyWebhook(body []byte, header string) bool {
	return provider.VerifyHMAC(body, header, a.cfg.WebhookSecret, signaturePrefix)
}

// webhookEvent is the provider's envelope. Data fields vary slightly between
// checkout.* and transaction.* events; both are decoded into one shape.
type webhookEvent struct {
	EventType string `json:"event_type"`
	Data      *struct {
		ID         string            `json:"id"`
		CheckoutID string            `json:"checkout_id"`
		Reference  string            `json:"reference"`
		Amount     decimal.Decimal   `json:"amount"`
		Currency   string            `json:"currency"`
		Status     string            `json:"status"`
		Reason     string            `json:"reason"`
		Customer   customer          `json:"customer"`
		Metadata   map[string]string `json:"metadata"`
	} `json:"data"`
}

var eventTypes = map[string]provider.EventType{
	"checkout.completed":    provider.EventCompleted,
	"transaction.completed": provider.EventCompleted,
	"transaction.failed":    provider.EventFailed,
	"checkout.cancelled":    provider.EventFailed,
	"transaction.refunded":  provider.EventRefunded,
}

func (a *Adapter) NormalizeEvent(body []byte) (provider.CanonicalEvent, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return provider.CanonicalEvent{}, apperr.Wrap(apperr.InvalidPayload, "decode hosted event", err)
	}
	out := provider.CanonicalEvent{ProviderType: ev.EventType}

	typ, ok := eventTypes[ev.EventType]
	if !ok {
		return out, nil
	}
	if ev.Data == nil {
		return out, apperr.New(apperr.InvalidPayload, fmt.Sprintf("hosted event %s has no data", ev.EventType))
	}
	d := ev.Data

	out.Type = typ
	out.SessionID = d.CheckoutID
	if strings.HasPrefix(ev.EventType, "checkout.") && out.SessionID == "" {
		out.SessionID = d.ID
	} else {
		out.PaymentID = d.ID
	}
	out.Reference = d.Reference
	out.Currency = strings.ToUpper(d.Currency)
	minor, err := ToMinor(d.Amount, out.Currency)
	if err != nil {
		return out, apperr.Wrap(apperr.InvalidPayload, "hosted event amount", err)
	}
	out.Amount = minor
	out.Customer = model.Customer{Email: d.Customer.Email, Name: d.Customer.Name}
	out.Metadata = d.Metadata
	out.Status = d.Status
	out.Reason = d.Reason

	switch ev.EventType {
	case "checkout.cancelled":
		out.Status = string(model.PaymentCancelled)
	case "transaction.failed":
		out.Status = string(model.PaymentFailed)
	}

	if out.SessionID == "" && out.Reference == "" && out.PaymentID == "" {
		return out, apperr.New(apperr.InvalidPayload, "hosted event carries no identifier")
	}
	if typ == provider.EventCompleted {
		if err := provider.CheckAmount(out, a.Policy()); err != nil {
			return out, err
		}
	}
	return out, nil
}

// zeroDecimal lists currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

var maxMinor = decimal.NewFromInt(provider.MaxAmount)

// ToMinor converts a decimal amount into integer minor units. Amounts finer
// than the currency's minor unit or beyond MaxAmount are rejected rather
// than rounded or truncated.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(exponent(currency))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, currency)
	}
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount %s %s out of range", amount, currency)
	}
	return shifted.IntPart(), nil
}

// FormatAmount renders minor units as the provider's decimal string.
func FormatAmount(minor int64, currency string) string {
	exp := exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
