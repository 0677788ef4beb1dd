package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku"`
	PriceCents int64     `json:"price_cents"`
	Stock      int64     `json:"stock"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProductInput carries the writable product fields.
type ProductInput struct {
	Name       string `json:"name" validate:"required,max=200"`
	SKU        string `json:"sku" validate:"max=64"`
	PriceCents int64  `json:"price_cents" validate:"gte=0"`
	Stock      int64  `json:"stock" validate:"gte=0"`
}

type Products struct{ s *Store }

const productColumns = `id, name, sku, price_cents, stock, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (Product, error) {
	var (
		p                Product
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.PriceCents, &p.Stock, &created, &updated); err != nil {
		return Product{}, err
	}
	p.CreatedAt = fromMs(created)
	p.UpdatedAt = fromMs(updated)
	return p, nil
}

func (r *Products) List(ctx context.Context, owner string) ([]Product, error) {
	db := r.s.db
	rows, err := db.QueryContext(ctx,
		db.Bind(`SELECT `+productColumns+` FROM products WHERE owner = ? ORDER BY name, id`), owner)
	if err != nil {
		return nil, fmt.Errorf("store: list products: %w", err)
	}
	defer rows.Close()
	out := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list products: %w", err)
	}
	return out, nil
}

func (r *Products) Get(ctx context.Context, owner, id string) (Product, error) {
	db := r.s.db
	p, err := scanProduct(db.QueryRowContext(ctx,
		db.Bind(`SELECT `+productColumns+` FROM products WHERE owner = ? AND id = ?`), owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("store: get product: %w", err)
	}
	return p, nil
}

func (r *Products) Create(ctx context.Context, owner string, in ProductInput) (Product, error) {
	db := r.s.db
	now := r.s.nowMs()
	p := Product{
		ID:         newID(),
		Name:       in.Name,
		SKU:        in.SKU,
		PriceCents: in.PriceCents,
		Stock:      in.Stock,
		CreatedAt:  fromMs(now),
		UpdatedAt:  fromMs(now),
	}
	_, err := db.ExecContext(ctx, db.Bind(`INSERT INTO products (id, owner, name, sku, price_cents, stock, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), p.ID, owner, p.Name, p.SKU, p.PriceCents, p.Stock, now, now)
	if err != nil {
		return Product{}, fmt.Errorf("store: create product: %w", err)
	}
	return p, nil
}

func (r *Products) Update(ctx context.Context, owner, id string, in ProductInput) (Product, error) {
	db := r.s.db
	res, err := db.ExecContext(ctx, db.Bind(`UPDATE products SET name = ?, sku = ?, price_cents = ?, stock = ?, updated_at = ?
WHERE owner = ? AND id = ?`), in.Name, in.SKU, in.PriceCents, in.Stock, r.s.nowMs(), owner, id)
	if err != nil {
		return Product{}, fmt.Errorf("store: update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Product{}, ErrNotFound
	}
	return r.Get(ctx, owner, id)
}

func (r *Products) Delete(ctx context.Context, owner, id string) error {
	db := r.s.db
	res, err := db.ExecContext(ctx, db.Bind(`DELETE FROM products WHERE owner = ? AND id = ?`), owner, id)
	if err != nil {
		return fmt.Errorf("store: delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
