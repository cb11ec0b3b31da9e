// Package activation issues licenses and binds devices to them.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/licensekey"
	"github.com/dukerupert/keyfulfill/internal/billing/metrics"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/store"
)

// MaxKeyAttempts bounds key generation per license. Running out means the
// entropy source is broken, not that the key space is full.
const MaxKeyAttempts = 10

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{2,127}$`)

// ValidDeviceID reports whether id is an acceptable client-supplied device id.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

type Stores struct {
	Licenses *store.LicenseStore
	Devices  *store.DeviceStore
	Products *store.ProductStore
	Audit    *store.AuditStore
}

type Service struct {
	licenses *store.LicenseStore
	devices  *store.DeviceStore
	products *store.ProductStore
	audit    *store.AuditStore
	codec    *licensekey.Codec
	logger   *slog.Logger
	metrics  *metrics.Metrics
	keygen   func() (string, error)
	now      func() time.Time
}

type Option func(*Service)

// WithKeyGenerator replaces codec-based key generation.
func WithKeyGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		s.keygen = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(st Stores, codec *licensekey.Codec, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		licenses: st.Licenses,
		devices:  st.Devices,
		products: st.Products,
		audit:    st.Audit,
		codec:    codec,
		logger:   logger.With("component", "activation"),
		keygen:   codec.Generate,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueLicense returns the license for paymentID, creating it if needed. The
// bool reports whether this call created it. Key collisions are retried up
// to MaxKeyAttempts times; exhausting them is a license_generation_error.
func (s *Service) IssueLicense(ctx context.Context, userID, paymentID, productID string) (*model.License, bool, error) {
	existing, err := s.licenses.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.LicenseGenerationError, "look up license", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.LicenseGenerationError, "load product", err)
	}
	if product == nil {
		return nil, false, apperr.New(apperr.LicenseGenerationError, fmt.Sprintf("product %q not found", productID))
	}

	var (
		issued   *model.License
		created  bool
		attempts int
	)
	backoff := retry.WithMaxRetries(MaxKeyAttempts-1, retry.NewConstant(time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		key, err := s.keygen()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		if res := s.codec.Validate(key); !res.Valid {
			return fmt.Errorf("generated key rejected: %s", res.Reason)
		}

		lic := &model.License{
			Key:             key,
			UserID:          userID,
			PaymentID:       paymentID,
			ProductID:       productID,
			Status:          model.LicenseActive,
			ActivationLimit: product.ActivationLimit,
		}
		err = s.licenses.Create(ctx, lic)
		switch {
		case errors.Is(err, store.ErrDuplicateKey):
			s.metrics.KeyCollision()
			s.logger.Warn("license key collision", "payment_id", paymentID, "attempt", attempts)
			return retry.RetryableError(err)
		case errors.Is(err, store.ErrDuplicatePayment):
			// A concurrent delivery issued it first.
			issued, err = s.licenses.GetByPaymentID(ctx, paymentID)
			if err != nil {
				return err
			}
			if issued == nil {
				return fmt.Errorf("license for payment %s vanished", paymentID)
			}
			return nil
		case err != nil:
			return err
		}
		issued, created = lic, true
		return nil
	})
	if err != nil {
		s.logger.Error("license issuance failed", "payment_id", paymentID, "attempts", attempts, "error", err)
		return nil, false, apperr.Wrap(apperr.LicenseGenerationError,
			fmt.Sprintf("issue license after %d attempts", attempts), err)
	}

	if created {
		s.metrics.LicenseIssued()
		s.logger.Info("license issued", "payment_id", paymentID, "license_id", issued.ID, "product_id", productID)
	}
	return issued, created, nil
}

func (s *Service) GetLicenseByPayment(ctx context.Context, paymentID string) (*model.License, error) {
	return s.licenses.GetByPaymentID(ctx, paymentID)
}

// RevokeLicense revokes the license issued for paymentID and releases its
// devices. It reports false when the payment has no license or it was
// already revoked.
func (s *Service) RevokeLicense(ctx context.Context, paymentID, reason string) (bool, error) {
	lic, err := s.licenses.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if lic == nil {
		return false, nil
	}
	revoked, err := s.licenses.Revoke(ctx, lic.ID, reason)
	if err != nil {
		return false, err
	}
	if revoked {
		s.logger.Info("license revoked", "license_id", lic.ID, "payment_id", paymentID, "reason", reason)
	}
	return revoked, nil
}

// ActivationInfo is reported to the client after a successful activation.
type ActivationInfo struct {
	RemainingActivations int `json:"remaining_activations"`
	ActivatedCount       int `json:"activated_count"`
	ActivationLimit      int `json:"activation_limit"`
}

type ActivationResult struct {
	Device      *model.Device
	Reactivated bool
	Info        ActivationInfo
}

// ActivateDevice binds deviceID to the license. Re-activating a device that
// is already active refreshes it without using another slot. The ceiling
// counts active devices across every license the owner holds for the
// product.
func (s *Service) ActivateDevice(ctx context.Context, key, deviceID string, info model.DeviceInfo) (*ActivationResult, error) {
	key = licensekey.Normalize(key)
	if res := s.codec.Validate(key); !res.Valid {
		return nil, apperr.New(apperr.InvalidRequest, "license key is "+string(res.Reason))
	}
	if !ValidDeviceID(deviceID) {
		return nil, apperr.New(apperr.InvalidRequest, "invalid device id")
	}

	lic, err := s.usableLicense(ctx, key)
	if err != nil {
		s.record(ctx, key, deviceID, model.DeviceActionRejected, string(apperr.CodeOf(err)))
		s.metrics.Activation(string(apperr.CodeOf(err)))
		return nil, err
	}

	a, err := s.devices.Activate(ctx, lic, deviceID, info, s.now())
	if errors.Is(err, store.ErrActivationLimit) {
		s.record(ctx, key, deviceID, model.DeviceActionRejected, string(apperr.ActivationLimitReached))
		s.metrics.Activation(string(apperr.ActivationLimitReached))
		return nil, apperr.New(apperr.ActivationLimitReached,
			fmt.Sprintf("activation limit of %d devices reached", lic.ActivationLimit))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "activate device", err)
	}

	action := model.DeviceActionActivated
	if a.Reactivated {
		action = model.DeviceActionReactivated
	}
	s.record(ctx, key, deviceID, action, info.Name)
	s.metrics.Activation(action)

	remaining := lic.ActivationLimit - a.ActiveCount
	if remaining < 0 {
		remaining = 0
	}
	return &ActivationResult{
		Device:      a.Device,
		Reactivated: a.Reactivated,
		Info: ActivationInfo{
			RemainingActivations: remaining,
			ActivatedCount:       a.ActiveCount,
			ActivationLimit:      lic.ActivationLimit,
		},
	}, nil
}

// Validation is the answer to a periodic client check-in.
type Validation struct {
	Valid     bool
	Reason    string
	Status    model.LicenseStatus
	ExpiresAt *time.Time
}

// Validation reasons beyond the apperr codes.
const (
	ReasonDeviceRevoked = "device_revoked"
)

// ValidateDevice checks that the license is usable and the device is bound
// to it, refreshing the device's last-seen time. Only storage failures are
// returned as errors; every other outcome is a Validation.
func (s *Service) ValidateDevice(ctx context.Context, key, deviceID string) (*Validation, error) {
	key = licensekey.Normalize(key)
	if res := s.codec.Validate(key); !res.Valid {
		return &Validation{Reason: string(res.Reason)}, nil
	}

	lic, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return &Validation{Reason: string(apperr.LicenseNotFound)}, nil
	}
	v := &Validation{Status: lic.Status, ExpiresAt: lic.ExpiresAt}

	switch {
	case lic.Status == model.LicenseRevoked:
		v.Reason = string(apperr.LicenseRevoked)
		return v, nil
	case lic.Expired(s.now()):
		v.Status = model.LicenseExpired
		v.Reason = string(apperr.LicenseExpired)
		return v, nil
	}

	d, err := s.devices.Get(ctx, key, deviceID)
	if err != nil {
		return nil, err
	}
	switch {
	case d == nil:
		v.Reason = string(apperr.DeviceNotFound)
		return v, nil
	case d.Status != model.DeviceActive:
		v.Reason = ReasonDeviceRevoked
		return v, nil
	}

	if err := s.devices.Touch(ctx, d.ID, s.now()); err != nil {
		return nil, err
	}
	s.record(ctx, key, deviceID, model.DeviceActionValidated, "")
	v.Valid = true
	return v, nil
}

// DeactivateDevice releases the device's slot.
func (s *Service) DeactivateDevice(ctx context.Context, key, deviceID string) error {
	key = licensekey.Normalize(key)
	if res := s.codec.Validate(key); !res.Valid {
		return apperr.New(apperr.InvalidRequest, "license key is "+string(res.Reason))
	}
	lic, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "look up license", err)
	}
	if lic == nil {
		return apperr.New(apperr.LicenseNotFound, "license not found")
	}
	ok, err := s.devices.Deactivate(ctx, key, deviceID, s.now())
	if err != nil {
		return apperr.Wrap(apperr.Internal, "deactivate device", err)
	}
	if !ok {
		return apperr.New(apperr.DeviceNotFound, "no active device with that id")
	}
	s.record(ctx, key, deviceID, model.DeviceActionDeactivated, "")
	return nil
}

func (s *Service) CountActiveDevicesForProduct(ctx context.Context, userID, productID string) (int, error) {
	return s.devices.CountActiveForProduct(ctx, userID, productID)
}

func (s *Service) usableLicense(ctx context.Context, key string) (*model.License, error) {
	lic, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "look up license", err)
	}
	switch {
	case lic == nil:
		return nil, apperr.New(apperr.LicenseNotFound, "license not found")
	case lic.Status == model.LicenseRevoked:
		return nil, apperr.New(apperr.LicenseRevoked, "license has been revoked")
	case lic.Expired(s.now()):
		return nil, apperr.New(apperr.LicenseExpired, "license has expired")
	}
	return lic, nil
}

func (s *Service) record(ctx context.Context, key, deviceID, action, detail string) {
	if s.audit == nil {
		return
	}
	err := s.audit.RecordDevice(ctx, &model.DeviceEvent{
		LicenseKey: key,
		DeviceID:   deviceID,
		Action:     action,
		Detail:     detail,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("record device event", "action", action, "error", err)
	}
}
