package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Document  string    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ClientInput struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone" validate:"max=32"`
	Document string `json:"document" validate:"max=32"`
}

type Clients struct{ s *Store }

const clientColumns = `id, name, email, phone, document, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (Client, error) {
	var (
		c                Client
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Document, &created, &updated); err != nil {
		return Client{}, err
	}
	c.CreatedAt = fromMs(created)
	c.UpdatedAt = fromMs(updated)
	return c, nil
}

func (r *Clients) List(ctx context.Context, owner string) ([]Client, error) {
	db := r.s.db
	rows, err := db.QueryContext(ctx,
		db.Bind(`SELECT `+clientColumns+` FROM clients WHERE owner = ? ORDER BY name, id`), owner)
	if err != nil {
		return nil, fmt.Errorf("store: list clients: %w", err)
	}
	defer rows.Close()
	out := []Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan client: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list clients: %w", err)
	}
	return out, nil
}

func (r *Clients) Get(ctx context.Context, owner, id string) (Client, error) {
	db := r.s.db
	c, err := scanClient(db.QueryRowContext(ctx,
		db.Bind(`SELECT `+clientColumns+` FROM clients WHERE owner = ? AND id = ?`), owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("store: get client: %w", err)
	}
	return c, nil
}

func (r *Clients) Create(ctx context.Context, owner string, in ClientInput) (Client, error) {
	db := r.s.db
	now := r.s.nowMs()
	c := Client{
		ID:        newID(),
		Name:      in.Name,
		Email:     in.Email,
		Phone:     in.Phone,
		Document:  in.Document,
		CreatedAt: fromMs(now),
		UpdatedAt: fromMs(now),
	}
	_, err := db.ExecContext(ctx, db.Bind(`INSERT INTO clients (id, owner, name, email, phone, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), c.ID, owner, c.Name, c.Email, c.Phone, c.Document, now, now)
	if err != nil {
		return Client{}, fmt.Errorf("store: create client: %w", err)
	}
	return c, nil
}

func (r *Clients) Update(ctx context.Context, owner, id string, in ClientInput) (Client, error) {
	db := r.s.db
	res, err := db.ExecContext(ctx, db.Bind(`UPDATE clients SET name = ?, email = ?, phone = ?, document = ?, updated_at = ?
WHERE owner = ? AND id = ?`), in.Name, in.Email, in.Phone, in.Document, r.s.nowMs(), owner, id)
	if err != nil {
		return Client{}, fmt.Errorf("store: update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Client{}, ErrNotFound
	}
	return r.Get(ctx, owner, id)
}

func (r *Clients) Delete(ctx context.Context, owner, id string) error {
	db := r.s.db
	res, err := db.ExecContext(ctx, db.Bind(`DELETE FROM clients WHERE owner = ? AND id = ?`), owner, id)
	if err != nil {
		return fmt.Errorf("store: delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
