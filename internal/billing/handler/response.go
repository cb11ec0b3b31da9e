// Package handler exposes the billing services over HTTP.
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/keyfulfill/internal/billing/activation"
	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
)

const maxBodyBytes = 1 << 20

// envelope is the body of every non-validate response.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func respondOK(w http.ResponseWriter, r *http.Request, message string, data any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, envelope{Status: "success", Message: message, Data: data})
}

// respondError writes err with the status its code maps to. Internal errors
// are logged and never expose their cause.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, envelope{Status: "error", Message: apperr.MessageOf(err), Code: string(code)})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return activation.ValidDeviceID(fl.Field().String())
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return apperr.Wrap(apperr.InvalidRequest, "malformed JSON body", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.New(apperr.InvalidRequest, describe(verrs[0]))
		}
		return apperr.Wrap(apperr.InvalidRequest, "invalid request", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be an email address"
	case "url", "http_url":
		return field + " must be a URL"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "deviceid":
		return field + " must be 3-128 characters of letters, digits, '.', '_', ':' or '-'"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
