// Package apperr defines the error codes the billing service reports to
// providers and clients, and how each maps onto an HTTP status.
package apperr

import (
	"errors"
	"net/http"
)

type Code string

const (
	InvalidSignature       Code = "invalid_signature"
	MissingSignature       Code = "missing_signature"
	InvalidPayload         Code = "invalid_payload"
	PaymentNotFound        Code = "payment_not_found"
	AmountMismatch         Code = "amount_mismatch"
	ActivationLimitReached Code = "activation_limit_reached"
	LicenseGenerationError Code = "license_generation_error"
	ProviderError          Code = "provider_error"
	NotificationError      Code = "notification_error"

	InvalidRequest      Code = "invalid_request"
	UnsupportedProvider Code = "unsupported_provider"
	ProductNotFound     Code = "product_not_found"
	LicenseNotFound     Code = "license_not_found"
	LicenseRevoked      Code = "license_revoked"
	LicenseExpired      Code = "license_expired"
	DeviceNotFound      Code = "device_not_found"
	Unauthorized        Code = "unauthorized"
	Internal            Code = "internal_error"
)

// Error carries a Code alongside a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the client-safe message for err. Internal errors never
// expose their cause.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a code onto the response status. Providers retry only on
// 5xx, so anything that reached a safe payment state maps below 500.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidPayload, MissingSignature, InvalidRequest, UnsupportedProvider:
		return http.StatusBadRequest
	case InvalidSignature, LicenseRevoked, LicenseExpired:
		return http.StatusForbidden
	case Unauthorized:
		return http.StatusUnauthorized
	case PaymentNotFound, ProductNotFound, LicenseNotFound, DeviceNotFound:
		return http.StatusNotFound
	case ActivationLimitReached:
		return http.StatusConflict
	case AmountMismatch, NotificationError:
		// Payment already moved to a terminal state; acknowledge it.
		return http.StatusOK
	case ProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
