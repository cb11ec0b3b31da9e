package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func scanDevice(scanner interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	err := scanner.Scan(
		&d.ID, &d.LicenseKey, &d.DeviceID, &d.Info.Name, &d.Info.Type, &d.Info.Version, &d.Info.Arch,
		&d.UserID, &d.Status, &d.FirstSeenAt, &d.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const deviceCols = `id, license_key, device_id, name, device_type, version, arch, user_id, status, first_seen_at, last_seen_at`

// activeForProduct counts active devices across every license the user holds
// for the product. Parameters: user_id, product_id.
const activeForProduct = `SELECT COUNT(*) FROM devices d
	JOIN licenses l ON l.key = d.license_key
	WHERE l.user_id = ? AND l.product_id = ? AND d.status = 'active'`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countActive(ctx context.Context, q queryer, userID, productID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, activeForProduct, userID, productID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}

func getDevice(ctx context.Context, q queryer, licenseKey, deviceID string) (*model.Device, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE license_key = ? AND device_id = ?`,
		licenseKey, deviceID,
	)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// Activation is the result of binding a device to a license.
type Activation struct {
	Device      *model.Device
	Reactivated bool
	ActiveCount int
}

// Activate binds deviceID to the license inside one write transaction.
//
// An already-active (license, device) pair is refreshed in place and uses no
// new slot. Otherwise the row is inserted (or a revoked row re-enabled) only
// if the user's active device count for the product is below the license's
// ceiling; the count and the write are one statement, and the transaction
// holds the database write lock, so concurrent activations cannot overshoot.
// Returns ErrActivationLimit when the ceiling is reached.
func (s *DeviceStore) Activate(ctx context.Context, lic *model.License, deviceID string, info model.DeviceInfo, now time.Time) (*Activation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activation: %w", err)
	}
	defer tx.Rollback()

	now = now.UTC()
	existing, err := getDevice(ctx, tx, lic.Key, deviceID)
	if err != nil {
		return nil, err
	}

	var reactivated bool
	switch {
	case existing != nil && existing.Status == model.DeviceActive:
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET name = ?, device_type = ?, version = ?, arch = ?, last_seen_at = ? WHERE id = ?`,
			info.Name, info.Type, info.Version, info.Arch, now, existing.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("refresh device: %w", err)
		}
		reactivated = true

	case existing != nil:
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET status = 'active', name = ?, device_type = ?, version = ?, arch = ?, last_seen_at = ?
			WHERE id = ? AND (`+activeForProduct+`) < ?`,
			info.Name, info.Type, info.Version, info.Arch, now,
			existing.ID, lic.UserID, lic.ProductID, lic.ActivationLimit,
		)
		if err != nil {
			return nil, fmt.Errorf("re-enable device: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			return nil, err
		}

	default:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO devices (license_key, device_id, name, device_type, version, arch, user_id, status, first_seen_at, last_seen_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?
			WHERE (`+activeForProduct+`) < ?`,
			lic.Key, deviceID, info.Name, info.Type, info.Version, info.Arch, lic.UserID, now, now,
			lic.UserID, lic.ProductID, lic.ActivationLimit,
		)
		if err != nil {
			return nil, fmt.Errorf("insert device: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			return nil, err
		}
	}

	count, err := countActive(ctx, tx, lic.UserID, lic.ProductID)
	if err != nil {
		return nil, err
	}
	device, err := getDevice(ctx, tx, lic.Key, deviceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activation: %w", err)
	}
	return &Activation{Device: device, Reactivated: reactivated, ActiveCount: count}, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrActivationLimit
	}
	return nil
}

func (s *DeviceStore) Get(ctx context.Context, licenseKey, deviceID string) (*model.Device, error) {
	return getDevice(ctx, s.db, licenseKey, deviceID)
}

// Touch records a check-in from the device.
func (s *DeviceStore) Touch(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// Deactivate soft-revokes the device, freeing its slot. It reports whether
// an active device was found.
func (s *DeviceStore) Deactivate(ctx context.Context, licenseKey, deviceID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_seen_at = ? WHERE license_key = ? AND device_id = ? AND status = ?`,
		model.DeviceRevoked, now.UTC(), licenseKey, deviceID, model.DeviceActive,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *DeviceStore) CountActiveForProduct(ctx context.Context, userID, productID string) (int, error) {
	return countActive(ctx, s.db, userID, productID)
}

func (s *DeviceStore) ListByLicense(ctx context.Context, licenseKey string) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE license_key = ? ORDER BY first_seen_at ASC`,
		licenseKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
