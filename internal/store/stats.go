package store

import (
	"context"
	"fmt"
)

// UserStats summarises the owner's catalog, ledger and stock history.
type UserStats struct {
	Products            int64 `json:"products"`
	Clients             int64 `json:"clients"`
	StockUnits          int64 `json:"stock_units"`
	StockValueCents     int64 `json:"stock_value_cents"`
	OpenPayableCents    int64 `json:"open_payable_cents"`
	OpenReceivableCents int64 `json:"open_receivable_cents"`
	OverdueAccounts     int64 `json:"overdue_accounts"`
	Movements           int64 `json:"movements"`
}

type Stats struct{ s *Store }

// ForUser aggregates across every table. Overdue compares due_date with today in UTC.
func (r *Stats) ForUser(ctx context.Context, owner string) (UserStats, error) {
	db := r.s.db
	var out UserStats
	today := r.s.now().UTC().Format("2006-01-02")

	if err := db.QueryRowContext(ctx, db.Bind(`SELECT COUNT(*), COALESCE(SUM(stock), 0), COALESCE(SUM(stock * price_cents), 0)
FROM products WHERE owner = ?`), owner).Scan(&out.Products, &out.StockUnits, &out.StockValueCents); err != nil {
		return UserStats{}, fmt.Errorf("store: product stats: %w", err)
	}
	if err := db.QueryRowContext(ctx, db.Bind(`SELECT COUNT(*) FROM clients WHERE owner = ?`), owner).Scan(&out.Clients); err != nil {
		return UserStats{}, fmt.Errorf("store: client stats: %w", err)
	}
	if err := db.QueryRowContext(ctx, db.Bind(`SELECT
	COALESCE(SUM(CASE WHEN kind = ? THEN amount_cents ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN kind = ? THEN amount_cents ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN due_date < ? THEN 1 ELSE 0 END), 0)
FROM accounts WHERE owner = ? AND paid = ?`), KindPayable, KindReceivable, today, owner, false).
		Scan(&out.OpenPayableCents, &out.OpenReceivableCents, &out.OverdueAccounts); err != nil {
		return UserStats{}, fmt.Errorf("store: account stats: %w", err)
	}
	if err := db.QueryRowContext(ctx, db.Bind(`SELECT COUNT(*) FROM movements WHERE owner = ?`), owner).Scan(&out.Movements); err != nil {
		return UserStats{}, fmt.Errorf("store: movement stats: %w", err)
	}
	return out, nil
}
