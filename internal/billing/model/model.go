package model

import (
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "active"
	LicenseRevoked LicenseStatus = "revoked"
	LicenseExpired LicenseStatus = "expired"
)

type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// Payment metadata keys written by the fulfillment pipeline.
const (
	MetaLicenseGenerationFailed  = "license_generation_failed"
	MetaRequiresManualProcessing = "requires_manual_processing"
	MetaLicenseRepairFailed      = "license_repair_failed"
	MetaLicenseError             = "license_error"
	MetaLicenseRevokeFailed      = "license_revoke_failed"
	MetaFailureReason            = "failure_reason"
	MetaRefundReason             = "refund_reason"
	MetaExpectedAmount           = "expected_amount"
	MetaReceivedAmount           = "received_amount"
	MetaReceivedCurrency         = "received_currency"
	MetaNotificationFailedPrefix = "notification_failed:"
)

// Revocation reasons.
const (
	ReasonPaymentRefunded = "payment_refunded"
)

type Product struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Price           int64     `json:"price" yaml:"price"`
	Currency        string    `json:"currency" yaml:"currency"`
	ActivationLimit int       `json:"activation_limit" yaml:"activation_limit"`
	Features        []string  `json:"features" yaml:"features"`
	Active          bool      `json:"active" yaml:"active"`
	CreatedAt       time.Time `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"-"`
}

// ProductSnapshot is the product as it was priced when the checkout session
// was opened. It is copied onto the payment, not referenced.
type ProductSnapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Payment is one purchase attempt. Amount is in minor units of Currency.
type Payment struct {
	ID                string            `json:"id"`
	UserID            *string           `json:"user_id"`
	Provider          string            `json:"provider"`
	ProviderSessionID *string           `json:"provider_session_id"`
	ProviderPaymentID *string           `json:"provider_payment_id"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            PaymentStatus     `json:"status"`
	Customer          Customer          `json:"customer"`
	Product           ProductSnapshot   `json:"product"`
	Metadata          map[string]string `json:"metadata"`
	WebhookPayload    []byte            `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
	WebhookReceivedAt *time.Time        `json:"webhook_received_at"`
}

// NeedsAttention reports whether the pipeline flagged the payment for an operator.
func (p *Payment) NeedsAttention() bool {
	return p.Metadata[MetaRequiresManualProcessing] == "true"
}

// OwnerID returns the identity a license for this payment is issued to.
// Guest checkouts are keyed by customer email so repeat purchases share a ceiling.
func (p *Payment) OwnerID() string {
	if p.UserID != nil && *p.UserID != "" {
		return *p.UserID
	}
	return GuestOwnerID(p.Customer.Email)
}

// GuestOwnerID is the owner identity used for checkouts without a user account.
func GuestOwnerID(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}

type License struct {
	ID              int64             `json:"id"`
	Key             string            `json:"key"`
	UserID          string            `json:"user_id"`
	PaymentID       string            `json:"payment_id"`
	ProductID       string            `json:"product_id"`
	Status          LicenseStatus     `json:"status"`
	ActivationLimit int               `json:"activation_limit"`
	Metadata        map[string]string `json:"metadata"`
	RevokedReason   *string           `json:"revoked_reason"`
	ExpiresAt       *time.Time        `json:"expires_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Expired reports whether the license is past its expiry or marked expired.
func (l *License) Expired(now time.Time) bool {
	if l.Status == LicenseExpired {
		return true
	}
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

type DeviceInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	Arch    string `json:"arch,omitempty"`
}

type Device struct {
	ID          int64        `json:"id"`
	LicenseKey  string       `json:"license_key"`
	DeviceID    string       `json:"device_id"`
	Info        DeviceInfo   `json:"device_info"`
	UserID      string       `json:"user_id"`
	Status      DeviceStatus `json:"status"`
	FirstSeenAt time.Time    `json:"first_seen_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
}

type WebhookEvent struct {
	ID             int64     `json:"id"`
	Provider       string    `json:"provider"`
	EventType      string    `json:"event_type"`
	CanonicalType  string    `json:"canonical_type"`
	SessionID      string    `json:"session_id"`
	PaymentID      string    `json:"payment_id"`
	SignatureValid bool      `json:"signature_valid"`
	Outcome        string    `json:"outcome"`
	ErrorCode      string    `json:"error_code"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Device audit actions.
const (
	DeviceActionActivated   = "activated"
	DeviceActionReactivated = "reactivated"
	DeviceActionValidated   = "validated"
	DeviceActionDeactivated = "deactivated"
	DeviceActionRejected    = "rejected"
)

type DeviceEvent struct {
	ID         int64     `json:"id"`
	LicenseKey string    `json:"license_key"`
	DeviceID   string    `json:"device_id"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
