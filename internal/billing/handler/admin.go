package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/fulfillment"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AdminHandler struct {
	svc    *fulfillment.Service
	logger *slog.Logger
}

func NewAdminHandler(svc *fulfillment.Service, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, logger: logger}
}

// ListPayments serves GET /api/admin/payments[?attention=1][&status=][&limit=].
func (h *AdminHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			respondError(w, r, h.logger, apperr.New(apperr.InvalidRequest, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	var (
		payments []*model.Payment
		err      error
	)
	if attention, _ := strconv.ParseBool(q.Get("attention")); attention {
		payments, err = h.svc.ListNeedingAttention(r.Context(), limit)
	} else {
		status := model.PaymentStatus(q.Get("status"))
		switch status {
		case "", model.PaymentPending, model.PaymentCompleted, model.PaymentFailed,
			model.PaymentRefunded, model.PaymentCancelled:
		default:
			respondError(w, r, h.logger, apperr.New(apperr.InvalidRequest, "unknown status "+string(status)))
			return
		}
		payments, err = h.svc.ListPayments(r.Context(), status, limit)
	}
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if payments == nil {
		payments = []*model.Payment{}
	}
	respondOK(w, r, strconv.Itoa(len(payments))+" payments", payments)
}

func (h *AdminHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, envelope{Status: "success", Message: string(detail.Payment.Status), Data: detail})
}

// Retry re-runs fulfillment for one payment.
func (h *AdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.svc.RetryFulfillment(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.logger.Info("fulfillment retried by admin", "payment_id", id, "outcome", res.Outcome)
	respondOK(w, r, res.Message, fulfillmentData{
		Outcome:       res.Outcome,
		PaymentID:     res.PaymentID,
		PaymentStatus: res.PaymentStatus,
		LicenseKey:    res.LicenseKey,
	})
}
