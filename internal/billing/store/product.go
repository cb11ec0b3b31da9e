package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

func scanProduct(scanner interface{ Scan(...any) error }) (*model.Product, error) {
	var p model.Product
	var features string
	var active int
	err := scanner.Scan(
		&p.ID, &p.Name, &p.Price, &p.Currency, &p.ActivationLimit, &features, &active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Features = splitFeatures(features)
	p.Active = active != 0
	return &p, nil
}

const productCols = `id, name, price, currency, activation_limit, features, active, created_at, updated_at`

// Upsert inserts the product or replaces its catalog fields.
func (s *ProductStore) Upsert(ctx context.Context, p *model.Product) error {
	var active int
	if p.Active {
		active = 1
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, price, currency, activation_limit, features, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			currency = excluded.currency,
			activation_limit = excluded.activation_limit,
			features = excluded.features,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Price, strings.ToUpper(p.Currency), p.ActivationLimit, strings.Join(p.Features, ","), active, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *ProductStore) GetByID(ctx context.Context, id string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *ProductStore) List(ctx context.Context) ([]*model.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productCols+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func splitFeatures(s string) []string {
	var result []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			result = append(result, f)
		}
	}
	return result
}
