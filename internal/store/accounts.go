package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	KindPayable    = "payable"
	KindReceivable = "receivable"
)

type Account struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	DueDate     string     `json:"due_date"`
	Paid        bool       `json:"paid"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type AccountInput struct {
	Kind        string `json:"kind" validate:"required,oneof=payable receivable"`
	Description string `json:"description" validate:"required,max=500"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	DueDate     string `json:"due_date" validate:"required,datetime=2006-01-02"`
}

type Accounts struct{ s *Store }

const accountColumns = `id, owner, kind, description, amount_cents, due_date, paid, paid_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var (
		a       Account
		paidAt  sql.NullInt64
		created int64
	)
	if err := row.Scan(&a.ID, &a.Owner, &a.Kind, &a.Description, &a.AmountCents, &a.DueDate, &a.Paid, &paidAt, &created); err != nil {
		return Account{}, err
	}
	if paidAt.Valid {
		t := fromMs(paidAt.Int64)
		a.PaidAt = &t
	}
	a.CreatedAt = fromMs(created)
	return a, nil
}

// List returns the owner's accounts ordered by due date. An empty kind lists both kinds.
func (r *Accounts) List(ctx context.Context, owner, kind string) ([]Account, error) {
	db := r.s.db
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner = ?`
	args := []any{owner}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY due_date, id`
	rows, err := db.QueryContext(ctx, db.Bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()
	out := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	return out, nil
}

// Get loads an account by id alone. Callers compare Owner before exposing it.
func (r *Accounts) Get(ctx context.Context, id string) (Account, error) {
	db := r.s.db
	a, err := scanAccount(db.QueryRowContext(ctx,
		db.Bind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("store: get account: %w", err)
	}
	return a, nil
}

func (r *Accounts) Create(ctx context.Context, owner string, in AccountInput) (Account, error) {
	db := r.s.db
	now := r.s.nowMs()
	a := Account{
		ID:          newID(),
		Owner:       owner,
		Kind:        in.Kind,
		Description: in.Description,
		AmountCents: in.AmountCents,
		DueDate:     in.DueDate,
		CreatedAt:   fromMs(now),
	}
	_, err := db.ExecContext(ctx, db.Bind(`INSERT INTO accounts (id, owner, kind, description, amount_cents, due_date, paid, paid_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)`), a.ID, owner, a.Kind, a.Description, a.AmountCents, a.DueDate, false, now)
	if err != nil {
		return Account{}, fmt.Errorf("store: create account: %w", err)
	}
	return a, nil
}

// MarkPaid flags an unpaid account as settled. Paying twice keeps the first paid_at.
func (r *Accounts) MarkPaid(ctx context.Context, owner, id string) (Account, error) {
	db := r.s.db
	res, err := db.ExecContext(ctx, db.Bind(`UPDATE accounts SET paid = ?, paid_at = ?
WHERE owner = ? AND id = ? AND paid = ?`), true, r.s.nowMs(), owner, id, false)
	if err != nil {
		return Account{}, fmt.Errorf("store: mark account paid: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return Account{}, fmt.Errorf("store: mark account paid: %w", err)
	}
	a, err := r.Get(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if a.Owner != owner {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *Accounts) Delete(ctx context.Context, owner, id string) error {
	db := r.s.db
	res, err := db.ExecContext(ctx, db.Bind(`DELETE FROM accounts WHERE owner = ? AND id = ?`), owner, id)
	if err != nil {
		return fmt.Errorf("store: delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
