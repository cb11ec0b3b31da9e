package activation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/database"
	"github.com/dukerupert/keyfulfill/internal/billing/licensekey"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/store"
)

type testEnv struct {
	db       *sql.DB
	codec    *licensekey.Codec
	payments *store.PaymentStore
	products *store.ProductStore
	stores   Stores
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	codec, err := licensekey.New("", "")
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		codec:    codec,
		payments: store.NewPaymentStore(db),
		products: store.NewProductStore(db),
		stores: Stores{
			Licenses: store.NewLicenseStore(db),
			Devices:  store.NewDeviceStore(db),
			Products: store.NewProductStore(db),
			Audit:    store.NewAuditStore(db),
		},
	}
	env.addProduct(t, "pro", 3)
	return env
}

func (e *testEnv) service(opts ...Option) *Service {
	return New(e.stores, e.codec, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func (e *testEnv) addProduct(t *testing.T, id string, limit int) {
	t.Helper()
	require.NoError(t, e.products.Upsert(context.Background(), &model.Product{
		ID: id, Name: id, Price: 2999, Currency: "USD", ActivationLimit: limit, Active: true,
	}))
}

func (e *testEnv) payment(t *testing.T, productID string) *model.Payment {
	t.Helper()
	p := &model.Payment{
		Provider: "stripe", Amount: 2999, Currency: "USD",
		Customer: model.Customer{Email: "alice@example.com"},
		Product:  model.ProductSnapshot{ID: productID, Name: productID, Price: 2999, Currency: "USD"},
	}
	require.NoError(t, e.payments.Create(context.Background(), p))
	return p
}

func TestIssueLicense(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	ctx := context.Background()
	p := env.payment(t, "pro")

	lic, created, err := svc.IssueLicense(ctx, "user-1", p.ID, "pro")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, env.codec.Validate(lic.Key).Valid)
	assert.Equal(t, 3, lic.ActivationLimit)
	assert.Equal(t, model.LicenseActive, lic.Status)

	again, created, err := svc.IssueLicense(ctx, "user-1", p.ID, "pro")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, lic.Key, again.Key)
}

func TestIssueLicenseCeilingFixedAtIssuance(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	ctx := context.Background()
	p := env.payment(t, "pro")

	lic, _, err := svc.IssueLicense(ctx, "user-1", p.ID, "pro")
	require.NoError(t, err)

	env.addProduct(t, "pro", 10)
	got, err := svc.GetLicenseByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ActivationLimit)
	assert.Equal(t, lic.ID, got.ID)
}

func TestIssueLicenseRetriesCollisions(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	taken, err := env.codec.Compose("AAAAAAAAAAAA")
	require.NoError(t, err)
	fresh, err := env.codec.Compose("BBBBBBBBBBBB")
	require.NoError(t, err)

	first := env.payment(t, "pro")
	seed := env.service(WithKeyGenerator(func() (string, error) { return taken, nil }))
	_, _, err = seed.IssueLicense(ctx, "user-1", first.ID, "pro")
	require.NoError(t, err)

	var calls int
	svc := env.service(WithKeyGenerator(func() (string, error) {
		calls++
		if calls < 4 {
			return taken, nil
		}
		return fresh, nil
	}))
	second := env.payment(t, "pro")
	lic, created, err := svc.IssueLicense(ctx, "user-1", second.ID, "pro")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, fresh, lic.Key)
	assert.Equal(t, 4, calls)
}

func TestIssueLicenseFailsLoudlyAfterMaxAttempts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	taken, err := env.codec.Compose("CCCCCCCCCCCC")
	require.NoError(t, err)
	gen := func() (string, error) { return taken, nil }

	first := env.payment(t, "pro")
	_, _, err = env.service(WithKeyGenerator(gen)).IssueLicense(ctx, "user-1", first.ID, "pro")
	require.NoError(t, err)

	var calls int
	svc := env.service(WithKeyGenerator(func() (string, error) {
		calls++
		return taken, nil
	}))
	second := env.payment(t, "pro")
	_, _, err = svc.IssueLicense(ctx, "user-1", second.ID, "pro")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.LicenseGenerationError))
	assert.True(t, errors.Is(err, store.ErrDuplicateKey))
	assert.Equal(t, MaxKeyAttempts, calls)

	lic, err := svc.GetLicenseByPayment(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, lic)
}

func TestIssueLicenseEntropyFailureNotRetried(t *testing.T) {
	env := setupTestEnv(t)
	var calls int
	svc := env.service(WithKeyGenerator(func() (string, error) {
		calls++
		return "", errors.New("entropy unavailable")
	}))

	_, _, err := svc.IssueLicense(context.Background(), "user-1", env.payment(t, "pro").ID, "pro")
	assert.True(t, apperr.Is(err, apperr.LicenseGenerationError))
	assert.Equal(t, 1, calls)
}

func TestIssueLicenseUnknownProduct(t *testing.T) {
	env := setupTestEnv(t)
	p := env.payment(t, "ghost")

	_, _, err := env.service().IssueLicense(context.Background(), "user-1", p.ID, "ghost")
	assert.True(t, apperr.Is(err, apperr.LicenseGenerationError))
}

func TestIssueLicenseConcurrentSamePayment(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	p := env.payment(t, "pro")

	keys := make([]string, 8)
	var created atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := range keys {
		g.Go(func() error {
			lic, c, err := svc.IssueLicense(ctx, "user-1", p.ID, "pro")
			if err != nil {
				return err
			}
			if c {
				created.Add(1)
			}
			keys[i] = lic.Key
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created.Load())
	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
}

func issue(t *testing.T, env *testEnv, svc *Service, userID, productID string) *model.License {
	t.Helper()
	lic, _, err := svc.IssueLicense(context.Background(), userID, env.payment(t, productID).ID, productID)
	require.NoError(t, err)
	return lic
}

func TestActivateDeviceCeilingOne(t *testing.T) {
	env := setupTestEnv(t)
	env.addProduct(t, "solo", 1)
	svc := env.service()
	ctx := context.Background()
	lic := issue(t, env, svc, "user-1", "solo")

	res, err := svc.ActivateDevice(ctx, lic.Key, "dev_A", model.DeviceInfo{Name: "Laptop", Type: "desktop"})
	require.NoError(t, err)
	assert.Equal(t, ActivationInfo{RemainingActivations: 0, ActivatedCount: 1, ActivationLimit: 1}, res.Info)

	_, err = svc.ActivateDevice(ctx, lic.Key, "dev_B", model.DeviceInfo{Name: "Desktop"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ActivationLimitReached))

	events, err := env.stores.Audit.ListDeviceEvents(ctx, lic.Key, "dev_B")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.DeviceActionRejected, events[0].Action)
}

func TestReactivationDoesNotChangeCount(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	ctx := context.Background()
	lic := issue(t, env, svc, "user-1", "pro")

	_, err := svc.ActivateDevice(ctx, lic.Key, "dev_A", model.DeviceInfo{Name: "a"})
	require.NoError(t, err)
	before, err := svc.CountActiveDevicesForProduct(ctx, "user-1", "pro")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := svc.ActivateDevice(ctx, lic.Key, "dev_A", model.DeviceInfo{Name: "a", Version: fmt.Sprint(i)})
		require.NoError(t, err)
		assert.True(t, res.Reactivated)
		assert.Equal(t, 2, res.Info.RemainingActivations)
	}

	after, err := svc.CountActiveDevicesForProduct(ctx, "user-1", "pro")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCeilingSharedAcrossUsersLicenses(t *testing.T) {
	env := setupTestEnv(t)
	env.addProduct(t, "duo", 2)
	svc := env.service()
	ctx := context.Background()
	first := issue(t, env, svc, "user-1", "duo")
	second := issue(t, env, svc, "user-1", "duo")

	_, err := svc.ActivateDevice(ctx, first.Key, "dev-1", model.DeviceInfo{})
	require.NoError(t, err)
	res, err := svc.ActivateDevice(ctx, second.Key, "dev-2", model.DeviceInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Info.ActivatedCount)

	_, err = svc.ActivateDevice(ctx, second.Key, "dev-3", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.ActivationLimitReached))
}

func TestConcurrentActivationNeverExceedsCeiling(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	first := issue(t, env, svc, "user-1", "pro")
	second := issue(t, env, svc, "user-1", "pro")

	var granted, rejected atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 12; i++ {
		key := first.Key
		if i%2 == 1 {
			key = second.Key
		}
		g.Go(func() error {
			_, err := svc.ActivateDevice(ctx, key, fmt.Sprintf("device-%02d", i), model.DeviceInfo{})
			switch {
			case err == nil:
				granted.Add(1)
			case apperr.Is(err, apperr.ActivationLimitReached):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), granted.Load())
	assert.Equal(t, int32(9), rejected.Load())
	n, err := svc.CountActiveDevicesForProduct(context.Background(), "user-1", "pro")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActivateRejectsBadInput(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	ctx := context.Background()
	lic := issue(t, env, svc, "user-1", "pro")

	_, err := svc.ActivateDevice(ctx, "garbage", "dev_A", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))

	tampered := []byte(lic.Key)
	if tampered[3] == 'A' {
		tampered[3] = 'B'
	} else {
		tampered[3] = 'A'
	}
	_, err = svc.ActivateDevice(ctx, string(tampered), "dev_A", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.InvalidRequest) || apperr.Is(err, apperr.LicenseNotFound))

	_, err = svc.ActivateDevice(ctx, lic.Key, "a", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))

	unknown, err := env.codec.Compose("ZZZZZZZZZZZZ")
	require.NoError(t, err)
	_, err = svc.ActivateDevice(ctx, unknown, "dev_A", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.LicenseNotFound))

	// Keys are normalized before lookup.
	_, err = svc.ActivateDevice(ctx, "  "+lic.Key+"\n", "dev_A", model.DeviceInfo{})
	assert.NoError(t, err)
}

func TestRevokedAndExpiredLicensesCannotActivate(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()
	svc := env.service(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	revoked := issue(t, env, svc, "user-1", "pro")
	_, err := svc.ActivateDevice(ctx, revoked.Key, "dev_A", model.DeviceInfo{})
	require.NoError(t, err)

	ok, err := svc.RevokeLicense(ctx, revoked.PaymentID, model.ReasonPaymentRefunded)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.RevokeLicense(ctx, revoked.PaymentID, model.ReasonPaymentRefunded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.ActivateDevice(ctx, revoked.Key, "dev_B", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.LicenseRevoked))

	expired := issue(t, env, svc, "user-2", "pro")
	require.NoError(t, env.stores.Licenses.UpdateExpiry(ctx, expired.ID, now.Add(-time.Minute)))
	_, err = svc.ActivateDevice(ctx, expired.Key, "dev_A", model.DeviceInfo{})
	assert.True(t, apperr.Is(err, apperr.LicenseExpired))

	ok, err = svc.RevokeLicense(ctx, "no-such-payment", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateDevice(t *testing.T) {
	env := setupTestEnv(t)
	svc := env.service()
	ctx := context.Background()
	lic := issue(t, env, svc, "user-1", "pro")
	_, err := svc.ActivateDevice(ctx, lic.Key, "dev_A", model.DeviceInfo{})
	require.NoError(t, err)

	v, err := svc.ValidateDevice(ctx, lic.Key, "dev_A")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, model.LicenseActive, v.Status)

	v, err = svc.ValidateDevice(ctx, lic.Key, "dev_unknown")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, string(apperr.DeviceNotFound), v.Reason)

	v, err = svc.ValidateDevice(ctx, "KF-0000", "dev_A")
	require.NoError(t, err)
	assert.Equal(t, string(licensekey.ReasonFormatInvalid), v.Reason)

	require.NoError(t, svc.DeactivateDevice(ctx, lic.Key, "dev_A"))
	v, err = svc.ValidateDevice(ctx, lic.Key, "dev_A")
	require.NoError(t, err)
	assert.Equal(t, ReasonDeviceRevoked, v.Reason)

	_, err = svc.RevokeLicense(ctx, lic.PaymentID, model.ReasonPaymentRefunded)
	require.NoError(t, err)
	v, err = svc.ValidateDevice(ctx, lic.Key, "dev_A")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, string(apperr.LicenseRevoked), v.Reason)
	assert.Equal(t, model.LicenseRevoked, v.Status)
}

func TestDeactivateDevice(t *testing.T) {
	env := setupTestEnv(t)
	env.addProduct(t, "solo", 1)
	svc := env.service()
	ctx := context.Background()
	lic := issue(t, env, svc, "user-1", "solo")

	_, err := svc.ActivateDevice(ctx, lic.Key, "dev_A", model.DeviceInfo{})
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateDevice(ctx, lic.Key, "dev_A"))

	err = svc.DeactivateDevice(ctx, lic.Key, "dev_A")
	assert.True(t, apperr.Is(err, apperr.DeviceNotFound))

	_, err = svc.ActivateDevice(ctx, lic.Key, "dev_B", model.DeviceInfo{})
	assert.NoError(t, err)

	unknown, _ := env.codec.Compose("YYYYYYYYYYYY")
	err = svc.DeactivateDevice(ctx, unknown, "dev_B")
	assert.True(t, apperr.Is(err, apperr.LicenseNotFound))
}

func TestValidDeviceID(t *testing.T) {
	for _, id := range []string{"dev_A", "3f2a9c1e-77aa-4f0e-9d0b-1c2d3e4f5a6b", "host.local:1"} {
		assert.True(t, ValidDeviceID(id), id)
	}
	for _, id := range []string{"", "ab", "-leading", "has space", "semi;colon"} {
		assert.False(t, ValidDeviceID(id), id)
	}
}
