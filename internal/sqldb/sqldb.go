// Package sqldb opens the relational database shared by the domain store and
// the sql cache backend.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a *sql.DB tagged with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects to driver (sqlite or postgres) and pings it.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	dialect := Dialect(strings.ToLower(strings.TrimSpace(driver)))
	dsn = strings.TrimSpace(dsn)
	switch dialect {
	case SQLite:
		if dsn == "" {
			dsn = "balcao.db"
		}
	case Postgres:
		if dsn == "" {
			return nil, fmt.Errorf("sqldb: postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("sqldb: unsupported driver %q", driver)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One connection keeps :memory: databases shared and avoids SQLITE_BUSY on writes.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: ping %s: %w", dialect, err)
	}
	return &DB{DB: db, dialect: dialect}, nil
}

func (d *DB) Dialect() Dialect { return d.dialect }

// Bind rewrites `?` placeholders into `$N` for Postgres.
func (d *DB) Bind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate runs each statement, picking the postgres variant when one is given.
func (d *DB) Migrate(ctx context.Context, stmts ...Statement) error {
	for _, stmt := range stmts {
		query := stmt.SQLite
		if d.dialect == Postgres && stmt.Postgres != "" {
			query = stmt.Postgres
		}
		if _, err := d.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("sqldb: migrate %s: %w", d.dialect, err)
		}
	}
	return nil
}

// Statement is a DDL statement with an optional postgres-specific form.
type Statement struct {
	SQLite   string
	Postgres string
}
