package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var lic model.License
	var metadata string
	var revokedReason sql.NullString
	var expiresAt sql.NullTime
	err := scanner.Scan(
		&lic.ID, &lic.Key, &lic.UserID, &lic.PaymentID, &lic.ProductID, &lic.Status,
		&lic.ActivationLimit, &metadata, &revokedReason, &expiresAt, &lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if revokedReason.Valid {
		lic.RevokedReason = &revokedReason.String
	}
	if expiresAt.Valid {
		lic.ExpiresAt = &expiresAt.Time
	}
	if lic.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &lic, nil
}

const licenseCols = `id, key, user_id, payment_id, product_id, status, activation_limit, metadata, revoked_reason, expires_at, created_at, updated_at`

// Create inserts a license. It returns ErrDuplicateKey when the key is taken
// and ErrDuplicatePayment when the payment already has a license.
func (s *LicenseStore) Create(ctx context.Context, lic *model.License) error {
	if lic.Status == "" {
		lic.Status = model.LicenseActive
	}
	meta, err := encodeMetadata(lic.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (key, user_id, payment_id, product_id, status, activation_limit, metadata, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.Key, lic.UserID, lic.PaymentID, lic.ProductID, lic.Status, lic.ActivationLimit, meta, lic.ExpiresAt, now, now,
	)
	switch {
	case isUniqueViolation(err, "licenses.payment_id"):
		return ErrDuplicatePayment
	case isUniqueViolation(err, "licenses.key"):
		return ErrDuplicateKey
	case err != nil:
		return fmt.Errorf("insert license: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	lic.ID = id
	lic.CreatedAt, lic.UpdatedAt = now, now
	return nil
}

func (s *LicenseStore) getOne(ctx context.Context, where string, args ...any) (*model.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE `+where, args...)
	lic, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lic, nil
}

func (s *LicenseStore) GetByID(ctx context.Context, id int64) (*model.License, error) {
	lic, err := s.getOne(ctx, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*model.License, error) {
	lic, err := s.getOne(ctx, `key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return lic, nil
}

func (s *LicenseStore) GetByPaymentID(ctx context.Context, paymentID string) (*model.License, error) {
	lic, err := s.getOne(ctx, `payment_id = ?`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("get license by payment: %w", err)
	}
	return lic, nil
}

// ListByUserProduct returns every license a user holds for a product.
func (s *LicenseStore) ListByUserProduct(ctx context.Context, userID, productID string) ([]*model.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseCols+` FROM licenses WHERE user_id = ? AND product_id = ? ORDER BY created_at ASC`,
		userID, productID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*model.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, lic)
	}
	return licenses, rows.Err()
}

// Revoke marks the license revoked and releases its devices. It reports
// whether the license was active before the call.
func (s *LicenseStore) Revoke(ctx context.Context, id int64, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE licenses SET status = ?, revoked_reason = ?, updated_at = ? WHERE id = ? AND status != ?`,
		model.LicenseRevoked, reason, now, id, model.LicenseRevoked,
	)
	if err != nil {
		return false, fmt.Errorf("revoke license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_seen_at = ?
		WHERE status = ? AND license_key = (SELECT key FROM licenses WHERE id = ?)`,
		model.DeviceRevoked, now, model.DeviceActive, id,
	); err != nil {
		return false, fmt.Errorf("revoke license devices: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revoke: %w", err)
	}
	return n == 1, nil
}

func (s *LicenseStore) UpdateExpiry(ctx context.Context, id int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET expires_at = ?, updated_at = ? WHERE id = ?`,
		expiresAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update license expiry: %w", err)
	}
	return nil
}
