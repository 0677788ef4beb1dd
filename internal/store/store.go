// Package store is the relational source of truth for the back-office records.
// Every query is scoped by owner, the username of the tenant.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/balcao/internal/sqldb"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInsufficientStock = errors.New("store: insufficient stock")
)

var schema = []sqldb.Statement{
	{SQLite: `CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	sku TEXT NOT NULL,
	price_cents BIGINT NOT NULL,
	stock BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`},
	{SQLite: `CREATE INDEX IF NOT EXISTS idx_products_owner ON products(owner)`},
	{SQLite: `CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	phone TEXT NOT NULL,
	document TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`},
	{SQLite: `CREATE INDEX IF NOT EXISTS idx_clients_owner ON clients(owner)`},
	{SQLite: `CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	due_date TEXT NOT NULL,
	paid BOOLEAN NOT NULL,
	paid_at BIGINT NULL,
	created_at BIGINT NOT NULL
)`},
	{SQLite: `CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner, kind)`},
	{SQLite: `CREATE TABLE IF NOT EXISTS movements (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	product_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	note TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`},
	{SQLite: `CREATE INDEX IF NOT EXISTS idx_movements_owner ON movements(owner, created_at)`},
	{SQLite: `CREATE TABLE IF NOT EXISTS activities (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`},
	{SQLite: `CREATE INDEX IF NOT EXISTS idx_activities_owner ON activities(owner, created_at)`},
}

// Store groups the repositories over one database.
type Store struct {
	db  *sqldb.DB
	now func() time.Time

	Products   *Products
	Clients    *Clients
	Accounts   *Accounts
	Movements  *Movements
	Stats      *Stats
	Activities *Activities
}

// New bootstraps the schema and wires the repositories.
func New(ctx context.Context, db *sqldb.DB) (*Store, error) {
	if err := db.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	s.Products = &Products{s: s}
	s.Clients = &Clients{s: s}
	s.Accounts = &Accounts{s: s}
	s.Movements = &Movements{s: s}
	s.Stats = &Stats{s: s}
	s.Activities = &Activities{s: s}
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func newID() string { return uuid.New().String() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
