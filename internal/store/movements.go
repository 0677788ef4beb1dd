package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/balcao/internal/sqldb"
)

const (
	MovementIn  = "in"
	MovementOut = "out"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Movement struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Kind      string    `json:"kind"`
	Quantity  int64     `json:"quantity"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

type MovementInput struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Kind      string `json:"kind" validate:"required,oneof=in out"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
	Note      string `json:"note" validate:"max=500"`
}

// Page is one slice of the movement history, newest first.
type Page struct {
	Items []Movement `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int64      `json:"total"`
}

type Movements struct{ s *Store }

// NormalizePage clamps page and size into the accepted range.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

func (r *Movements) ListPage(ctx context.Context, owner string, page, size int) (Page, error) {
	db := r.s.db
	page, size = NormalizePage(page, size)
	out := Page{Items: []Movement{}, Page: page, Size: size}
	if err := db.QueryRowContext(ctx, db.Bind(`SELECT COUNT(*) FROM movements WHERE owner = ?`), owner).Scan(&out.Total); err != nil {
		return Page{}, fmt.Errorf("store: count movements: %w", err)
	}
	rows, err := db.QueryContext(ctx, db.Bind(`SELECT id, product_id, kind, quantity, note, created_at FROM movements
WHERE owner = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`), owner, size, (page-1)*size)
	if err != nil {
		return Page{}, fmt.Errorf("store: list movements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m       Movement
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Kind, &m.Quantity, &m.Note, &created); err != nil {
			return Page{}, fmt.Errorf("store: scan movement: %w", err)
		}
		m.CreatedAt = fromMs(created)
		out.Items = append(out.Items, m)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("store: list movements: %w", err)
	}
	return out, nil
}

// Create records a stock movement and applies it to the product in one transaction.
func (r *Movements) Create(ctx context.Context, owner string, in MovementInput) (Movement, error) {
	db := r.s.db
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Movement{}, fmt.Errorf("store: begin movement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lock := ""
	if db.Dialect() == sqldb.Postgres {
		lock = " FOR UPDATE"
	}
	var stock int64
	err = tx.QueryRowContext(ctx, db.Bind(`SELECT stock FROM products WHERE owner = ? AND id = ?`+lock), owner, in.ProductID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return Movement{}, ErrNotFound
	}
	if err != nil {
		return Movement{}, fmt.Errorf("store: load product stock: %w", err)
	}

	switch in.Kind {
	case MovementIn:
		stock += in.Quantity
	case MovementOut:
		if stock < in.Quantity {
			return Movement{}, ErrInsufficientStock
		}
		stock -= in.Quantity
	default:
		return Movement{}, fmt.Errorf("store: movement kind unsupported: %s", in.Kind)
	}

	now := r.s.nowMs()
	if _, err := tx.ExecContext(ctx, db.Bind(`UPDATE products SET stock = ?, updated_at = ? WHERE owner = ? AND id = ?`),
		stock, now, owner, in.ProductID); err != nil {
		return Movement{}, fmt.Errorf("store: adjust stock: %w", err)
	}
	m := Movement{
		ID:        newID(),
		ProductID: in.ProductID,
		Kind:      in.Kind,
		Quantity:  in.Quantity,
		Note:      in.Note,
		CreatedAt: fromMs(now),
	}
	if _, err := tx.ExecContext(ctx, db.Bind(`INSERT INTO movements (id, owner, product_id, kind, quantity, note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`), m.ID, owner, m.ProductID, m.Kind, m.Quantity, m.Note, now); err != nil {
		return Movement{}, fmt.Errorf("store: insert movement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Movement{}, fmt.Errorf("store: commit movement: %w", err)
	}
	return m, nil
}
