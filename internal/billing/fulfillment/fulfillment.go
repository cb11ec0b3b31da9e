// Package fulfillment runs the payment state machine: it opens checkout
// sessions, applies provider webhooks to payments, and issues or revokes the
// license that goes with each payment.
//
// Idempotency lives on the payment row. A completion is applied only by the
// conditional update that moves a payment out of pending; every later
// delivery of the same event finds the payment completed and returns the
// existing license.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/metrics"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/notify"
	"github.com/dukerupert/keyfulfill/internal/billing/provider"
	"github.com/dukerupert/keyfulfill/internal/billing/store"
)

// Licenses is the part of the activation service fulfillment depends on.
type Licenses interface {
	IssueLicense(ctx context.Context, userID, paymentID, productID string) (*model.License, bool, error)
	GetLicenseByPayment(ctx context.Context, paymentID string) (*model.License, error)
	RevokeLicense(ctx context.Context, paymentID, reason string) (bool, error)
}

type Deps struct {
	Registry *provider.Registry
	Payments *store.PaymentStore
	Products *store.ProductStore
	Audit    *store.AuditStore
	Licenses Licenses
	Notifier notify.Notifier
	Alerter  notify.Alerter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	registry *provider.Registry
	payments *store.PaymentStore
	products *store.ProductStore
	audit    *store.AuditStore
	licenses Licenses
	notifier notify.Notifier
	alerter  notify.Alerter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(d Deps) *Service {
	s := &Service{
		registry: d.Registry,
		payments: d.Payments,
		products: d.Products,
		audit:    d.Audit,
		licenses: d.Licenses,
		notifier: d.Notifier,
		alerter:  d.Alerter,
		metrics:  d.Metrics,
		logger:   d.Logger.With("component", "fulfillment"),
		now:      d.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.alerter == nil {
		s.alerter = notify.LogAlerter{Logger: s.logger}
	}
	return s
}

// Outcome describes what a webhook or retry did.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRepaired  Outcome = "repaired"
	OutcomeFlagged   Outcome = "flagged"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is returned for every webhook the provider should consider
// delivered. Errors are returned only for requests that must be rejected
// or retried.
type Result struct {
	Outcome       Outcome
	Message       string
	PaymentID     string
	PaymentStatus model.PaymentStatus
	LicenseKey    string
}

type CheckoutRequest struct {
	Provider      string
	ProductID     string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	CustomerName  string
	UserID        string
}

type CheckoutResult struct {
	SessionURL string
	SessionID  string
	PaymentID  string
}

// CreateSession records a pending payment priced from the catalog and opens
// the provider's checkout session for it. If the provider call fails the
// payment stays pending and the client starts over with a new attempt.
func (s *Service) CreateSession(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	pol := adapter.Policy()

	switch {
	case req.ProductID == "":
		return nil, apperr.New(apperr.InvalidRequest, "product_id is required")
	case req.SuccessURL == "":
		return nil, apperr.New(apperr.InvalidRequest, "success_url is required")
	case pol.RequireCancelURL && req.CancelURL == "":
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("cancel_url is required for %s", adapter.Name()))
	case pol.RequireCustomerEmail && req.CustomerEmail == "":
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("customer_email is required for %s", adapter.Name()))
	}

	product, err := s.products.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load product", err)
	}
	if product == nil || !product.Active {
		return nil, apperr.New(apperr.ProductNotFound, fmt.Sprintf("product %q not found", req.ProductID))
	}
	if !pol.SupportsCurrency(product.Currency) {
		return nil, apperr.New(apperr.InvalidRequest,
			fmt.Sprintf("%s does not accept %s", adapter.Name(), product.Currency))
	}

	p := &model.Payment{
		Provider: adapter.Name(),
		Amount:   product.Price,
		Currency: product.Currency,
		Status:   model.PaymentPending,
		Customer: model.Customer{Email: strings.TrimSpace(req.CustomerEmail), Name: req.CustomerName},
		Product: model.ProductSnapshot{
			ID:       product.ID,
			Name:     product.Name,
			Price:    product.Price,
			Currency: product.Currency,
		},
	}
	if req.UserID != "" {
		p.UserID = &req.UserID
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "record payment", err)
	}

	sess, err := adapter.CreateSession(ctx, provider.SessionParams{
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		CustomerEmail: p.Customer.Email,
		CustomerName:  p.Customer.Name,
	}, p)
	if err != nil {
		s.logger.Error("create checkout session", "provider", adapter.Name(), "payment_id", p.ID, "error", err)
		if apperr.Is(err, apperr.ProviderError) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.ProviderError, "create checkout session", err)
	}
	if err := s.payments.SetSessionID(ctx, p.ID, sess.ID); err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "record checkout session", err)
	}

	s.logger.Info("checkout session created",
		"provider", adapter.Name(), "payment_id", p.ID, "session_id", sess.ID, "product_id", product.ID)
	return &CheckoutResult{SessionURL: sess.URL, SessionID: sess.ID, PaymentID: p.ID}, nil
}

// SignatureHeader returns the header a provider signs its webhooks in.
func (s *Service) SignatureHeader(providerName string) (string, error) {
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	return adapter.SignatureHeader(), nil
}

// HandleWebhook verifies, normalizes and applies one delivery.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, body []byte, signature string) (res *Result, err error) {
	start := s.now()
	audit := &model.WebhookEvent{Provider: providerName, ReceivedAt: start}
	defer func() {
		switch {
		case err != nil:
			audit.Outcome = "error"
			audit.ErrorCode = string(apperr.CodeOf(err))
		case res != nil:
			audit.Outcome = string(res.Outcome)
		}
		s.recordWebhook(ctx, audit)
		s.metrics.Webhook(providerName, audit.Outcome, s.now().Sub(start))
	}()

	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	if !adapter.VerifyWebhook(body, signature) {
		if strings.TrimSpace(signature) == "" {
			return nil, apperr.New(apperr.MissingSignature, "missing webhook signature")
		}
		s.logger.Warn("webhook signature rejected", "provider", providerName)
		return nil, apperr.New(apperr.InvalidSignature, "invalid webhook signature")
	}
	audit.SignatureValid = true

	ev, err := adapter.NormalizeEvent(body)
	audit.EventType = ev.ProviderType
	audit.CanonicalType = string(ev.Type)
	audit.SessionID = ev.SessionID
	audit.PaymentID = ev.PaymentID
	if err != nil {
		s.logger.Warn("webhook payload rejected", "provider", providerName, "event_type", ev.ProviderType, "error", err)
		if !apperr.Is(err, apperr.InvalidPayload) {
			err = apperr.Wrap(apperr.InvalidPayload, "normalize event", err)
		}
		return nil, err
	}
	return s.HandleEvent(ctx, adapter, ev, body)
}

// HandleEvent applies a verified canonical event. raw is stored on the
// payment for completion events so a failed fulfillment can be retried.
func (s *Service) HandleEvent(ctx context.Context, adapter provider.Adapter, ev provider.CanonicalEvent, raw []byte) (*Result, error) {
	log := s.logger.With("provider", adapter.Name(), "event_type", ev.ProviderType, "session_id", ev.SessionID)

	switch ev.Type {
	case provider.EventCompleted:
		return s.handleCompleted(ctx, adapter, ev, raw, log)
	case provider.EventFailed:
		return s.handleFailed(ctx, adapter, ev, log)
	case provider.EventRefunded:
		return s.handleRefunded(ctx, adapter, ev, log)
	default:
		log.Info("webhook event ignored")
		return &Result{Outcome: OutcomeIgnored, Message: fmt.Sprintf("event %q not handled", ev.ProviderType)}, nil
	}
}

func (s *Service) handleCompleted(ctx context.Context, adapter provider.Adapter, ev provider.CanonicalEvent, raw []byte, log *slog.Logger) (*Result, error) {
	p, err := s.resolvePayment(ctx, adapter, ev)
	if err != nil {
		return nil, err
	}
	if p == nil {
		log.Warn("completion for unknown payment", "reference", ev.Reference, "payment_id", ev.PaymentID)
		return nil, apperr.New(apperr.PaymentNotFound, "payment not found")
	}
	log = log.With("payment_id", p.ID)

	switch p.Status {
	case model.PaymentCompleted:
		return s.ensureLicense(ctx, p, log)
	case model.PaymentPending:
	default:
		log.Info("completion for settled payment ignored", "status", p.Status)
		return resultFor(p, OutcomeIgnored, fmt.Sprintf("payment already %s", p.Status)), nil
	}

	pol := adapter.Policy()
	if !strings.EqualFold(ev.Currency, p.Currency) || !pol.AmountMatches(p.Amount, ev.Amount) {
		return s.rejectAmount(ctx, p, ev, log)
	}

	now := s.now()
	ok, err := s.payments.Complete(ctx, p.ID, model.PaymentPending, store.Completion{
		ProviderPaymentID: ev.PaymentID,
		Payload:           raw,
		At:                now,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "complete payment", err)
	}
	if !ok {
		return s.settledElsewhere(ctx, p.ID, log)
	}

	p.Status = model.PaymentCompleted
	p.CompletedAt, p.WebhookReceivedAt = &now, &now
	if ev.PaymentID != "" {
		p.ProviderPaymentID = &ev.PaymentID
	}
	log.Info("payment completed", "amount", p.Amount, "currency", p.Currency)
	return s.issue(ctx, p, OutcomeProcessed, log)
}

// issue creates the license for a completed payment. A failure leaves the
// payment completed and flagged for manual processing; it is not an error
// to the provider.
func (s *Service) issue(ctx context.Context, p *model.Payment, outcome Outcome, log *slog.Logger) (*Result, error) {
	lic, created, err := s.licenses.IssueLicense(ctx, p.OwnerID(), p.ID, p.Product.ID)
	if err != nil {
		log.Error("license issuance failed", "error", err)
		s.flag(ctx, p, map[string]string{
			model.MetaLicenseGenerationFailed:  "true",
			model.MetaRequiresManualProcessing: "true",
			model.MetaLicenseError:             err.Error(),
		}, log)
		s.alerter.Alert(ctx, p, "license issuance failed for a completed payment", err)
		return resultFor(p, OutcomeFlagged, "payment recorded; license pending manual fulfillment"), nil
	}
	if created {
		s.notifyCustomer(notify.LicenseIssued(p, lic))
	}
	res := resultFor(p, outcome, "license issued")
	res.LicenseKey = lic.Key
	return res, nil
}

// ensureLicense handles a completion for a payment that is already
// completed. The license normally exists; if not, issuance is attempted
// exactly once more.
func (s *Service) ensureLicense(ctx context.Context, p *model.Payment, log *slog.Logger) (*Result, error) {
	lic, err := s.licenses.GetLicenseByPayment(ctx, p.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "look up license", err)
	}
	if lic != nil {
		log.Info("duplicate completion", "license_id", lic.ID)
		res := resultFor(p, OutcomeDuplicate, "payment already processed")
		res.LicenseKey = lic.Key
		return res, nil
	}

	log.Warn("completed payment has no license, repairing")
	lic, created, err := s.licenses.IssueLicense(ctx, p.OwnerID(), p.ID, p.Product.ID)
	if err != nil {
		log.Error("license repair failed", "error", err)
		s.flag(ctx, p, map[string]string{
			model.MetaLicenseRepairFailed:      "true",
			model.MetaRequiresManualProcessing: "true",
			model.MetaLicenseError:             err.Error(),
		}, log)
		s.alerter.Alert(ctx, p, "license repair failed for a completed payment", err)
		return resultFor(p, OutcomeFlagged, "payment already processed; license pending manual fulfillment"), nil
	}
	s.clearFlags(ctx, p, log)
	if created {
		s.notifyCustomer(notify.LicenseIssued(p, lic))
	}
	res := resultFor(p, OutcomeRepaired, "license issued")
	res.LicenseKey = lic.Key
	return res, nil
}

// settledElsewhere answers a completion whose pending snapshot lost the race
// to another delivery.
func (s *Service) settledElsewhere(ctx context.Context, id string, log *slog.Logger) (*Result, error) {
	current, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "reload payment", err)
	}
	if current.Status == model.PaymentCompleted {
		return s.ensureLicense(ctx, current, log)
	}
	log.Info("completion for settled payment ignored", "status", current.Status)
	return resultFor(current, OutcomeIgnored, fmt.Sprintf("payment already %s", current.Status)), nil
}

func (s *Service) rejectAmount(ctx context.Context, p *model.Payment, ev provider.CanonicalEvent, log *slog.Logger) (*Result, error) {
	log.Warn("payment amount mismatch",
		"expected", p.Amount, "expected_currency", p.Currency, "received", ev.Amount, "received_currency", ev.Currency)

	ok, err := s.payments.Transition(ctx, p.ID, []model.PaymentStatus{model.PaymentPending}, model.PaymentFailed, map[string]string{
		model.MetaFailureReason:    string(apperr.AmountMismatch),
		model.MetaExpectedAmount:   strconv.FormatInt(p.Amount, 10),
		model.MetaReceivedAmount:   strconv.FormatInt(ev.Amount, 10),
		model.MetaReceivedCurrency: ev.Currency,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "fail payment", err)
	}
	if !ok {
		return s.settledElsewhere(ctx, p.ID, log)
	}
	s.alerter.Alert(ctx, p, "payment amount did not match the checkout price", nil)
	return nil, apperr.New(apperr.AmountMismatch,
		fmt.Sprintf("expected %d %s, received %d %s", p.Amount, p.Currency, ev.Amount, ev.Currency))
}

func (s *Service) handleFailed(ctx context.Context, adapter provider.Adapter, ev provider.CanonicalEvent, log *slog.Logger) (*Result, error) {
	p, err := s.resolvePayment(ctx, adapter, ev)
	if err != nil {
		return nil, err
	}
	if p == nil {
		log.Warn("failure for unknown payment acknowledged", "reference", ev.Reference)
		return &Result{Outcome: OutcomeIgnored, Message: "payment not found"}, nil
	}
	log = log.With("payment_id", p.ID)

	to := model.PaymentFailed
	if ev.Cancelled() {
		to = model.PaymentCancelled
	}
	reason := ev.Reason
	if reason == "" {
		reason = ev.ProviderType
	}

	ok, err := s.payments.Transition(ctx, p.ID, []model.PaymentStatus{model.PaymentPending}, to,
		map[string]string{model.MetaFailureReason: reason})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "fail payment", err)
	}
	if !ok {
		current, err := s.payments.GetByID(ctx, p.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "reload payment", err)
		}
		log.Info("failure for settled payment ignored", "status", current.Status)
		return resultFor(current, OutcomeIgnored, fmt.Sprintf("payment already %s", current.Status)), nil
	}

	p.Status = to
	log.Info("payment "+string(to), "reason", reason)
	if to == model.PaymentFailed {
		s.notifyCustomer(notify.PaymentFailed(p, reason))
	}
	return resultFor(p, OutcomeProcessed, "payment "+string(to)), nil
}

func (s *Service) handleRefunded(ctx context.Context, adapter provider.Adapter, ev provider.CanonicalEvent, log *slog.Logger) (*Result, error) {
	p, err := s.resolvePayment(ctx, adapter, ev)
	if err != nil {
		return nil, err
	}
	if p == nil {
		log.Warn("refund for unknown payment", "reference", ev.Reference, "payment_id", ev.PaymentID)
		return nil, apperr.New(apperr.PaymentNotFound, "payment not found")
	}
	log = log.With("payment_id", p.ID)

	meta := map[string]string{}
	if ev.Reason != "" {
		meta[model.MetaRefundReason] = ev.Reason
	}
	ok, err := s.payments.Transition(ctx, p.ID,
		[]model.PaymentStatus{model.PaymentPending, model.PaymentCompleted}, model.PaymentRefunded, meta)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "refund payment", err)
	}

	outcome := OutcomeProcessed
	if !ok {
		current, err := s.payments.GetByID(ctx, p.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "reload payment", err)
		}
		if current.Status != model.PaymentRefunded {
			log.Info("refund for unrefundable payment ignored", "status", current.Status)
			return resultFor(current, OutcomeIgnored, fmt.Sprintf("payment is %s", current.Status)), nil
		}
		outcome = OutcomeDuplicate
	}
	p.Status = model.PaymentRefunded
	if ok {
		log.Info("payment refunded")
	}

	// Revocation is retried on duplicates so an earlier failure heals.
	if _, err := s.licenses.RevokeLicense(ctx, p.ID, model.ReasonPaymentRefunded); err != nil {
		log.Error("revoke license for refunded payment", "error", err)
		s.flag(ctx, p, map[string]string{
			model.MetaLicenseRevokeFailed:      err.Error(),
			model.MetaRequiresManualProcessing: "true",
		}, log)
		s.alerter.Alert(ctx, p, "license revocation failed for a refunded payment", err)
	}
	return resultFor(p, outcome, "payment refunded"), nil
}

// resolvePayment finds the payment an event refers to. Providers keyed by
// payment id are looked up by the echoed reference first; the remaining
// identifiers are tried in turn.
func (s *Service) resolvePayment(ctx context.Context, adapter provider.Adapter, ev provider.CanonicalEvent) (*model.Payment, error) {
	name := adapter.Name()
	byReference := func() (*model.Payment, error) {
		if ev.Reference == "" {
			return nil, nil
		}
		p, err := s.payments.GetByID(ctx, ev.Reference)
		if err != nil || p == nil || p.Provider != name {
			return nil, err
		}
		return p, nil
	}
	bySession := func() (*model.Payment, error) {
		if ev.SessionID == "" {
			return nil, nil
		}
		return s.payments.GetBySessionID(ctx, name, ev.SessionID)
	}
	byProviderPayment := func() (*model.Payment, error) {
		if ev.PaymentID == "" {
			return nil, nil
		}
		return s.payments.GetByProviderPaymentID(ctx, name, ev.PaymentID)
	}

	lookups := []func() (*model.Payment, error){bySession, byProviderPayment, byReference}
	if adapter.Policy().IdempotencyKey == provider.KeyPayment {
		lookups = []func() (*model.Payment, error){byReference, bySession, byProviderPayment}
	}
	for _, lookup := range lookups {
		p, err := lookup()
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "look up payment", err)
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func (s *Service) flag(ctx context.Context, p *model.Payment, meta map[string]string, log *slog.Logger) {
	if err := s.payments.MergeMetadata(ctx, p.ID, meta); err != nil {
		log.Error("flag payment", "error", err)
		return
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	for k, v := range meta {
		p.Metadata[k] = v
	}
}

var attentionKeys = []string{
	model.MetaLicenseGenerationFailed,
	model.MetaLicenseRepairFailed,
	model.MetaLicenseError,
	model.MetaLicenseRevokeFailed,
	model.MetaRequiresManualProcessing,
}

func (s *Service) clearFlags(ctx context.Context, p *model.Payment, log *slog.Logger) {
	if err := s.payments.RemoveMetadata(ctx, p.ID, attentionKeys...); err != nil {
		log.Error("clear payment flags", "error", err)
		return
	}
	for _, k := range attentionKeys {
		delete(p.Metadata, k)
	}
}

func (s *Service) notifyCustomer(msg notify.Message) {
	if s.notifier == nil || msg.To == "" {
		return
	}
	s.notifier.Dispatch(msg)
}

func (s *Service) recordWebhook(ctx context.Context, ev *model.WebhookEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordWebhook(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("record webhook event", "error", err)
	}
}

func resultFor(p *model.Payment, outcome Outcome, msg string) *Result {
	return &Result{Outcome: outcome, Message: msg, PaymentID: p.ID, PaymentStatus: p.Status}
}
