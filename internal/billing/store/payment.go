package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func scanPayment(scanner interface{ Scan(...any) error }) (*model.Payment, error) {
	var p model.Payment
	var userID, sessionID, providerPaymentID sql.NullString
	var metadata string
	var completedAt, webhookAt sql.NullTime
	err := scanner.Scan(
		&p.ID, &userID, &p.Provider, &sessionID, &providerPaymentID,
		&p.Amount, &p.Currency, &p.Status, &p.Customer.Email, &p.Customer.Name,
		&p.Product.ID, &p.Product.Name, &p.Product.Price, &p.Product.Currency,
		&metadata, &p.WebhookPayload, &p.CreatedAt, &p.UpdatedAt, &completedAt, &webhookAt,
	)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		p.UserID = &userID.String
	}
	if sessionID.Valid {
		p.ProviderSessionID = &sessionID.String
	}
	if providerPaymentID.Valid {
		p.ProviderPaymentID = &providerPaymentID.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if webhookAt.Valid {
		p.WebhookReceivedAt = &webhookAt.Time
	}
	if p.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

const paymentCols = `id, user_id, provider, provider_session_id, provider_payment_id, amount, currency, status, ` +
	`customer_email, customer_name, product_id, product_name, product_price, product_currency, ` +
	`metadata, webhook_payload, created_at, updated_at, completed_at, webhook_received_at`

// Create inserts a payment, assigning an ID and timestamps when unset.
func (s *PaymentStore) Create(ctx context.Context, p *model.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = model.PaymentPending
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO payments (id, user_id, provider, provider_session_id, provider_payment_id, amount, currency, status,
			customer_email, customer_name, product_id, product_name, product_price, product_currency,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Provider, p.ProviderSessionID, p.ProviderPaymentID, p.Amount, p.Currency, p.Status,
		p.Customer.Email, p.Customer.Name, p.Product.ID, p.Product.Name, p.Product.Price, p.Product.Currency,
		meta, now, now,
	)
	if isUniqueViolation(err, "provider_session_id") {
		return ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PaymentStore) getOne(ctx context.Context, where string, args ...any) (*model.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE `+where, args...)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PaymentStore) GetByID(ctx context.Context, id string) (*model.Payment, error) {
	p, err := s.getOne(ctx, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) GetBySessionID(ctx context.Context, provider, sessionID string) (*model.Payment, error) {
	p, err := s.getOne(ctx, `provider = ? AND provider_session_id = ?`, provider, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get payment by session: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) GetByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (*model.Payment, error) {
	p, err := s.getOne(ctx,
		`provider = ? AND provider_payment_id = ? ORDER BY created_at DESC LIMIT 1`,
		provider, providerPaymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("get payment by provider payment id: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) SetSessionID(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payments SET provider_session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), id,
	)
	if isUniqueViolation(err, "provider_session_id") {
		return ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("set payment session: %w", err)
	}
	return nil
}

// Completion is what a settled-payment webhook records on the row.
type Completion struct {
	ProviderPaymentID string
	Payload           []byte
	At                time.Time
}

// Complete moves the payment to completed only if it is currently in status
// from. It reports whether this call performed the transition; a false result
// means another delivery got there first or the payment left that state.
func (s *PaymentStore) Complete(ctx context.Context, id string, from model.PaymentStatus, c Completion) (bool, error) {
	at := c.At.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments
		SET status = ?, provider_payment_id = COALESCE(NULLIF(?, ''), provider_payment_id),
			webhook_payload = ?, completed_at = ?, webhook_received_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		model.PaymentCompleted, c.ProviderPaymentID, c.Payload, at, at, at, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Transition moves the payment to status to if its current status is one of
// from, merging meta into its metadata in the same statement.
func (s *PaymentStore) Transition(ctx context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus, meta map[string]string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition payment: no source states")
	}
	expr, metaArgs := jsonSet(meta)
	args := []any{to, time.Now().UTC()}
	args = append(args, metaArgs...)
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ?, metadata = `+expr+`
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition payment to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MergeMetadata sets the given keys without touching the rest of the map.
func (s *PaymentStore) MergeMetadata(ctx context.Context, id string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	expr, args := jsonSet(kv)
	args = append(args, time.Now().UTC(), id)
	_, err := s.db.ExecContext(ctx, `UPDATE payments SET metadata = `+expr+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("merge payment metadata: %w", err)
	}
	return nil
}

func (s *PaymentStore) RemoveMetadata(ctx context.Context, id string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		args = append(args, metadataPath(k))
	}
	args = append(args, time.Now().UTC(), id)
	_, err := s.db.ExecContext(ctx,
		`UPDATE payments SET metadata = json_remove(metadata, `+placeholders(len(keys))+`), updated_at = ? WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("remove payment metadata: %w", err)
	}
	return nil
}

func (s *PaymentStore) list(ctx context.Context, where string, args ...any) ([]*model.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ListNeedingAttention returns payments flagged for manual processing, oldest first.
func (s *PaymentStore) ListNeedingAttention(ctx context.Context, limit int) ([]*model.Payment, error) {
	payments, err := s.list(ctx,
		`json_extract(metadata, ?) = 'true' ORDER BY created_at ASC LIMIT ?`,
		metadataPath(model.MetaRequiresManualProcessing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments needing attention: %w", err)
	}
	return payments, nil
}

// List returns the most recent payments, optionally filtered by status.
func (s *PaymentStore) List(ctx context.Context, status model.PaymentStatus, limit int) ([]*model.Payment, error) {
	var (
		payments []*model.Payment
		err      error
	)
	if status == "" {
		payments, err = s.list(ctx, `1 = 1 ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		payments, err = s.list(ctx, `status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}
