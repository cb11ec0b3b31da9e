// Package provider defines the boundary between payment providers and the
// fulfillment pipeline. Each provider ships its own webhook JSON; an Adapter
// verifies it and converts it into a CanonicalEvent so nothing past this
// package sees provider-specific payloads.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type EventType string

const (
	EventCompleted EventType = "payment.completed"
	EventFailed    EventType = "payment.failed"
	EventRefunded  EventType = "payment.refunded"
)

// MaxAmount is the largest payment accepted on a completion event, in minor
// units (1,000,000.00 in a two-decimal currency).
const MaxAmount int64 = 100_000_000

// CanonicalEvent is a webhook after normalization. Type is empty for events
// the pipeline does not act on.
type CanonicalEvent struct {
	Type         EventType
	ProviderType string
	// SessionID is the provider's checkout session id.
	SessionID string
	// PaymentID is the provider's id for the settled charge or transaction.
	PaymentID string
	// Reference is our payment id when the provider echoes it back.
	Reference string
	Amount    int64
	Currency  string
	Customer  model.Customer
	Metadata  map[string]string
	Status    string
	Reason    string
}

// Cancelled reports whether a failure event is a buyer cancellation rather
// than a declined payment.
func (e CanonicalEvent) Cancelled() bool {
	return e.Type == EventFailed && e.Status == string(model.PaymentCancelled)
}

type IdempotencyKey string

const (
	// KeySession resolves webhooks by the provider session id.
	KeySession IdempotencyKey = "session"
	// KeyPayment resolves webhooks by our payment id echoed in the event.
	KeyPayment IdempotencyKey = "payment"
)

// Policy is the per-provider configuration the fulfillment service consults.
type Policy struct {
	IdempotencyKey       IdempotencyKey
	AmountTolerance      int64
	RequireCancelURL     bool
	RequireCustomerEmail bool
	// Currencies lists accepted ISO-4217 codes. Empty accepts any.
	Currencies []string
}

func (p Policy) SupportsCurrency(currency string) bool {
	if len(p.Currencies) == 0 {
		return true
	}
	for _, c := range p.Currencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// AmountMatches reports whether received is within tolerance of expected.
func (p Policy) AmountMatches(expected, received int64) bool {
	diff := expected - received
	if diff < 0 {
		diff = -diff
	}
	return diff <= p.AmountTolerance
}

type SessionParams struct {
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	CustomerName  string
}

type Session struct {
	URL string
	ID  string
}

// Adapter is implemented once per payment provider.
type Adapter interface {
	Name() string
	Policy() Policy
	// SignatureHeader names the request header carrying the webhook signature.
	SignatureHeader() string
	CreateSession(ctx context.Context, params SessionParams, payment *model.Payment) (*Session, error)
	// VerifyWebhook reports whether header is a valid signature for body.
	// With no secret configured it always returns true.
	VerifyWebhook(body []byte, header string) bool
	NormalizeEvent(body []byte) (CanonicalEvent, error)
}

// Registry holds the adapters a service was built with.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name, or an unsupported_provider error.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, apperr.New(apperr.UnsupportedProvider, fmt.Sprintf("unsupported provider %q", name))
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VerifyHMAC checks a hex HMAC-SHA256 of body against header after stripping
// prefix. An empty secret accepts everything.
func VerifyHMAC(body []byte, header, secret, prefix string) bool {
	if secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), prefix)
	if !ok || sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, SignHMAC(body, secret))
}

// SignHMAC returns the raw HMAC-SHA256 of body.
func SignHMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// CheckAmount rejects completion events whose amount or currency cannot be
// trusted before any payment state changes.
func CheckAmount(ev CanonicalEvent, p Policy) error {
	if ev.Amount <= 0 {
		return apperr.New(apperr.InvalidPayload, fmt.Sprintf("non-positive amount %d", ev.Amount))
	}
	if ev.Amount > MaxAmount {
		return apperr.New(apperr.InvalidPayload, fmt.Sprintf("amount %d exceeds maximum", ev.Amount))
	}
	if ev.Currency == "" || !p.SupportsCurrency(ev.Currency) {
		return apperr.New(apperr.InvalidPayload, fmt.Sprintf("unsupported currency %q", ev.Currency))
	}
	return nil
}
