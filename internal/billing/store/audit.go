package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

// AuditStore appends webhook deliveries and device actions for later review.
// Nothing reads it on the fulfillment path.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) RecordWebhook(ctx context.Context, ev *model.WebhookEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	var valid int
	if ev.SignatureValid {
		valid = 1
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, event_type, canonical_type, session_id, payment_id, signature_valid, outcome, error_code, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Provider, ev.EventType, ev.CanonicalType, ev.SessionID, ev.PaymentID, valid, ev.Outcome, ev.ErrorCode, ev.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	if ev.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	return nil
}

// ListWebhookEvents returns deliveries for a session, oldest first.
func (s *AuditStore) ListWebhookEvents(ctx context.Context, provider, sessionID string) ([]*model.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, event_type, canonical_type, session_id, payment_id, signature_valid, outcome, error_code, received_at
		FROM webhook_events WHERE provider = ? AND session_id = ? ORDER BY id ASC`,
		provider, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []*model.WebhookEvent
	for rows.Next() {
		var ev model.WebhookEvent
		var valid int
		if err := rows.Scan(
			&ev.ID, &ev.Provider, &ev.EventType, &ev.CanonicalType, &ev.SessionID, &ev.PaymentID,
			&valid, &ev.Outcome, &ev.ErrorCode, &ev.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		ev.SignatureValid = valid != 0
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *AuditStore) RecordDevice(ctx context.Context, ev *model.DeviceEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events (license_key, device_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.LicenseKey, ev.DeviceID, ev.Action, ev.Detail, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert device event: %w", err)
	}
	if ev.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	return nil
}

func (s *AuditStore) ListDeviceEvents(ctx context.Context, licenseKey, deviceID string) ([]*model.DeviceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, license_key, device_id, action, detail, created_at
		FROM device_events WHERE license_key = ? AND device_id = ? ORDER BY id ASC`,
		licenseKey, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list device events: %w", err)
	}
	defer rows.Close()

	var events []*model.DeviceEvent
	for rows.Next() {
		var ev model.DeviceEvent
		if err := rows.Scan(&ev.ID, &ev.LicenseKey, &ev.DeviceID, &ev.Action, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
