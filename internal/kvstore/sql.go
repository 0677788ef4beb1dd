package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/balcao/internal/sqldb"
)

var sqlSchema = []sqldb.Statement{
	{
		SQLite: `CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at_ms INTEGER NULL
)`,
		Postgres: `CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at_ms BIGINT NULL
)`,
	},
	{SQLite: `CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at_ms)`},
}

// SQL keeps entries in the cache_entries table. The database handle is borrowed:
// Close stops the sweep but leaves the connection pool to its owner.
type SQL struct {
	db      *sqldb.DB
	now     func() time.Time
	sweeper *sweeper

	// serializes read-modify-write in Incr within this process
	incrMu sync.Mutex
}

// NewSQL bootstraps the table and starts the expiry sweep.
func NewSQL(ctx context.Context, db *sqldb.DB, sweepInterval time.Duration) (*SQL, error) {
	if db == nil {
		return nil, errors.New("kvstore: sql database required")
	}
	if err := db.Migrate(ctx, sqlSchema...); err != nil {
		return nil, fmt.Errorf("kvstore: sql schema: %w", err)
	}
	s := &SQL{db: db, now: time.Now}
	s.sweeper = startSweeper(sweepInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = s.Sweep(ctx)
	})
	return s, nil
}

func (s *SQL) Name() string { return "sql" }

func (s *SQL) nowMs() int64 { return s.now().UnixMilli() }

func (s *SQL) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		s.db.Bind(`SELECT value, expires_at_ms FROM cache_entries WHERE cache_key = ?`), key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: sql get: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.nowMs() {
		if _, err := s.db.ExecContext(ctx,
			s.db.Bind(`DELETE FROM cache_entries WHERE cache_key = ? AND expires_at_ms <= ?`), key, s.nowMs(),
		); err != nil {
			return nil, false, fmt.Errorf("kvstore: sql delete expired: %w", err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.upsert(ctx, s.db.DB, key, value, s.expiry(ttl))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) upsert(ctx context.Context, ex execer, key string, value []byte, expiresAt sql.NullInt64) error {
	_, err := ex.ExecContext(ctx, s.db.Bind(`INSERT INTO cache_entries (cache_key, value, expires_at_ms) VALUES (?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`),
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("kvstore: sql set: %w", err)
	}
	return nil
}

func (s *SQL) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Bind(`DELETE FROM cache_entries WHERE cache_key = ?`), key); err != nil {
		return fmt.Errorf("kvstore: sql del: %w", err)
	}
	return nil
}

// DelPattern narrows candidates with LIKE on the literal prefix and matches the
// glob in process.
func (s *SQL) DelPattern(ctx context.Context, pattern string) (int64, error) {
	g, err := CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	like := escapeLike(literalPrefix(pattern)) + "%"
	rows, err := s.db.QueryContext(ctx,
		s.db.Bind(`SELECT cache_key, expires_at_ms FROM cache_entries WHERE cache_key LIKE ? ESCAPE '\'`), like)
	if err != nil {
		return 0, fmt.Errorf("kvstore: sql scan keys: %w", err)
	}
	now := s.nowMs()
	var (
		matched []string
		live    int64
	)
	for rows.Next() {
		var (
			key       string
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&key, &expiresAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("kvstore: sql scan key: %w", err)
		}
		if !g.Match(key) {
			continue
		}
		matched = append(matched, key)
		if !expiresAt.Valid || expiresAt.Int64 > now {
			live++
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("kvstore: sql scan keys: %w", err)
	}
	_ = rows.Close()

	if len(matched) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("kvstore: sql begin: %w", err)
	}
	stmt := s.db.Bind(`DELETE FROM cache_entries WHERE cache_key = ?`)
	for _, key := range matched {
		if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("kvstore: sql del pattern: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("kvstore: sql commit: %w", err)
	}
	return live, nil
}

func (s *SQL) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.db.Bind(`SELECT 1 FROM cache_entries WHERE cache_key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)`),
		key, s.nowMs(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: sql exists: %w", err)
	}
	return true, nil
}

func (s *SQL) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.incrMu.Lock()
	defer s.incrMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("kvstore: sql begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT value, expires_at_ms FROM cache_entries WHERE cache_key = ?`
	if s.db.Dialect() == sqldb.Postgres {
		query += ` FOR UPDATE`
	}
	var (
		value     []byte
		expiresAt sql.NullInt64
		next      int64 = 1
	)
	err = tx.QueryRowContext(ctx, s.db.Bind(query), key).Scan(&value, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		expiresAt = s.expiry(ttl)
	case err != nil:
		return 0, fmt.Errorf("kvstore: sql incr read: %w", err)
	case expiresAt.Valid && expiresAt.Int64 <= s.nowMs():
		expiresAt = s.expiry(ttl)
	default:
		current, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		next = current + 1
	}
	if err := s.upsert(ctx, tx, key, []byte(strconv.FormatInt(next, 10)), expiresAt); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("kvstore: sql commit: %w", err)
	}
	return next, nil
}

func (s *SQL) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.db.Bind(`SELECT expires_at_ms FROM cache_entries WHERE cache_key = ?`), key,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TTLMissing, nil
	}
	if err != nil {
		return TTLMissing, fmt.Errorf("kvstore: sql ttl: %w", err)
	}
	if !expiresAt.Valid {
		return TTLNoExpiry, nil
	}
	remaining := time.Duration(expiresAt.Int64-s.nowMs()) * time.Millisecond
	if remaining <= 0 {
		return TTLMissing, nil
	}
	return remaining, nil
}

func (s *SQL) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("kvstore: sql flush: %w", err)
	}
	return nil
}

func (s *SQL) Size(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		s.db.Bind(`SELECT COUNT(*) FROM cache_entries WHERE expires_at_ms IS NULL OR expires_at_ms > ?`), s.nowMs(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kvstore: sql size: %w", err)
	}
	return n, nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *SQL) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Bind(`DELETE FROM cache_entries WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`), s.nowMs())
	if err != nil {
		return 0, fmt.Errorf("kvstore: sql sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQL) Close() error {
	s.sweeper.stop()
	return nil
}

func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}
