package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/fulfillment"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type WebhookHandler struct {
	svc    *fulfillment.Service
	logger *slog.Logger
}

func NewWebhookHandler(svc *fulfillment.Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, logger: logger}
}

type fulfillmentData struct {
	Outcome       fulfillment.Outcome `json:"outcome"`
	PaymentID     string              `json:"payment_id,omitempty"`
	PaymentStatus model.PaymentStatus `json:"payment_status,omitempty"`
	LicenseKey    string              `json:"license_key,omitempty"`
}

// Handle serves POST /webhooks/{provider}. Providers retry on 5xx only, so
// every state the payment can safely rest in is acknowledged with 200.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	header, err := h.svc.SignatureHeader(name)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, r, h.logger, apperr.Wrap(apperr.InvalidPayload, "could not read body", err))
		return
	}

	res, err := h.svc.HandleWebhook(r.Context(), name, body, r.Header.Get(header))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondOK(w, r, res.Message, fulfillmentData{
		Outcome:       res.Outcome,
		PaymentID:     res.PaymentID,
		PaymentStatus: res.PaymentStatus,
		LicenseKey:    res.LicenseKey,
	})
}
