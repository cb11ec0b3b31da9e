package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/dukerupert/keyfulfill/internal/billing/fulfillment"
)

type CheckoutHandler struct {
	svc    *fulfillment.Service
	logger *slog.Logger
}

func NewCheckoutHandler(svc *fulfillment.Service, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{svc: svc, logger: logger}
}

type checkoutRequest struct {
	Provider      string `json:"provider" validate:"required,max=32"`
	ProductID     string `json:"product_id" validate:"required,max=64"`
	SuccessURL    string `json:"success_url" validate:"required,http_url"`
	CancelURL     string `json:"cancel_url" validate:"omitempty,http_url"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email,max=254"`
	CustomerName  string `json:"customer_name" validate:"max=200"`
	UserID        string `json:"user_id" validate:"max=128"`
}

type checkoutResponse struct {
	SessionURL string `json:"sessionUrl"`
	SessionID  string `json:"sessionId"`
	PaymentID  string `json:"paymentId"`
}

// Create opens a checkout session for one product.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.CreateSession(r.Context(), fulfillment.CheckoutRequest{
		Provider:      req.Provider,
		ProductID:     req.ProductID,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		UserID:        req.UserID,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, checkoutResponse{
		SessionURL: res.SessionURL,
		SessionID:  res.SessionID,
		PaymentID:  res.PaymentID,
	})
}
