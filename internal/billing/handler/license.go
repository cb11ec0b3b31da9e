package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/dukerupert/keyfulfill/internal/billing/activation"
	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type LicenseHandler struct {
	svc    *activation.Service
	logger *slog.Logger
}

func NewLicenseHandler(svc *activation.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{svc: svc, logger: logger}
}

type deviceInfo struct {
	Name    string `json:"name" validate:"required,max=128"`
	Type    string `json:"type" validate:"required,max=64"`
	Version string `json:"version" validate:"max=64"`
	Arch    string `json:"arch" validate:"max=32"`
}

type activateRequest struct {
	LicenseKey string     `json:"license_key" validate:"required,max=64"`
	DeviceID   string     `json:"device_id" validate:"required,deviceid"`
	DeviceInfo deviceInfo `json:"device_info"`
}

type activateResponse struct {
	Status         string                     `json:"status"`
	Message        string                     `json:"message"`
	ActivationInfo *activation.ActivationInfo `json:"activation_info,omitempty"`
}

// Activate binds a device to a license.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.ActivateDevice(r.Context(), req.LicenseKey, req.DeviceID, model.DeviceInfo{
		Name:    req.DeviceInfo.Name,
		Type:    req.DeviceInfo.Type,
		Version: req.DeviceInfo.Version,
		Arch:    req.DeviceInfo.Arch,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	msg := "device activated"
	if res.Reactivated {
		msg = "device already active"
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, activateResponse{Status: "success", Message: msg, ActivationInfo: &res.Info})
}

type deviceRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
	DeviceID   string `json:"device_id" validate:"required,max=128"`
}

type validateResponse struct {
	Valid     bool                `json:"valid"`
	Reason    string              `json:"reason,omitempty"`
	Status    model.LicenseStatus `json:"status,omitempty"`
	ExpiresAt *string             `json:"expires_at,omitempty"`
}

// Validate is the periodic client check-in. Every outcome other than a
// storage failure is a 200 with valid set accordingly.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	v, err := h.svc.ValidateDevice(r.Context(), req.LicenseKey, req.DeviceID)
	if err != nil {
		respondError(w, r, h.logger, apperr.Wrap(apperr.Internal, "validate license", err))
		return
	}

	resp := validateResponse{Valid: v.Valid, Reason: v.Reason, Status: v.Status}
	if v.ExpiresAt != nil {
		s := v.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// Deactivate frees a device's slot.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := h.svc.DeactivateDevice(r.Context(), req.LicenseKey, req.DeviceID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondOK(w, r, "device deactivated", nil)
}
