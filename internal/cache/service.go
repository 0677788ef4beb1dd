// Package cache is the application's only entry point to the key-value store.
// Every method degrades to a miss or no-op when the backend is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/balcao/internal/kvstore"
	"github.com/l0p7/balcao/internal/metrics"
	"github.com/l0p7/balcao/internal/sqldb"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	// BackendNone is reported while the service runs without a store.
	BackendNone = "none"

	defaultOpTimeout = 2 * time.Second
)

// Options configures the backend the service connects to on Init.
type Options struct {
	Backend string
	Redis   kvstore.RedisConfig

	// SQLDB is borrowed by the sql backend. When nil, SQLDriver and SQLDSN are
	// opened on Init and closed with the service.
	SQLDB     *sqldb.DB
	SQLDriver string
	SQLDSN    string

	SweepInterval time.Duration
	TTLs          TTLs
	// Fallback switches to the memory backend when the configured one cannot
	// be reached. Without it the service stays in miss-only mode.
	Fallback bool
	// OpTimeout bounds each store call. Zero means 2s.
	OpTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Service wraps the active store with JSON encoding, TTL buckets and metrics.
type Service struct {
	opts    Options
	ttls    TTLs
	logger  *slog.Logger
	metrics *metrics.Recorder

	initMu  sync.Mutex
	mu      sync.RWMutex
	store   kvstore.Store
	ownedDB *sqldb.DB

	group singleflight.Group
}

// New prepares a service. No connection is made until Init.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &Service{
		opts:    opts,
		ttls:    opts.TTLs.withDefaults(),
		logger:  logger.With(slog.String("agent", "cache")),
		metrics: opts.Metrics,
	}
}

// NewWithStore returns a service already bound to store.
func NewWithStore(store kvstore.Store, opts Options) *Service {
	s := New(opts)
	s.store = store
	return s
}

// Init connects the configured backend. It is a no-op once a store is active
// and never fails: errors are logged and the service falls back to memory or
// stays degraded.
func (s *Service) Init(ctx context.Context) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.active() != nil {
		return
	}

	backend := strings.ToLower(strings.TrimSpace(s.opts.Backend))
	store, err := s.open(ctx, backend)
	if err == nil {
		s.setStore(store)
		s.logger.Info("cache backend ready", slog.String("backend", store.Name()))
		return
	}

	s.logger.Error("cache backend unavailable", slog.String("backend", backend), slog.Any("error", err))
	if !s.opts.Fallback || backend == BackendMemory || backend == "" {
		s.logger.Warn("cache running in degraded mode")
		return
	}
	fallback := kvstore.NewMemory(s.opts.SweepInterval)
	s.setStore(fallback)
	s.logger.Warn("cache falling back to memory backend", slog.String("configured", backend))
}

func (s *Service) open(ctx context.Context, backend string) (kvstore.Store, error) {
	switch backend {
	case "", BackendMemory:
		return kvstore.NewMemory(s.opts.SweepInterval), nil
	case BackendRedis:
		return kvstore.NewRedis(s.opts.Redis)
	case BackendSQL:
		db := s.opts.SQLDB
		if db == nil {
			opened, err := sqldb.Open(ctx, s.opts.SQLDriver, s.opts.SQLDSN)
			if err != nil {
				return nil, err
			}
			db = opened
			s.ownedDB = opened
		}
		store, err := kvstore.NewSQL(ctx, db, s.opts.SweepInterval)
		if err != nil {
			s.closeOwnedDB()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("cache: unsupported backend %q", backend)
	}
}

func (s *Service) setStore(store kvstore.Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

func (s *Service) active() kvstore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Backend names the active backend, or "none" while degraded.
func (s *Service) Backend() string {
	if store := s.active(); store != nil {
		return store.Name()
	}
	return BackendNone
}

// TTLs exposes the configured buckets.
func (s *Service) TTLs() TTLs { return s.ttls }

// opContext detaches from the caller's cancellation so a finished request
// does not abort a write, and bounds the call with the op timeout.
func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
}

func (s *Service) observe(store kvstore.Store, op string, result metrics.StoreResult, start time.Time) {
	name := BackendNone
	if store != nil {
		name = store.Name()
	}
	s.metrics.ObserveStoreOp(name, op, result, time.Since(start))
}

func (s *Service) fail(store kvstore.Store, op, key string, err error, start time.Time) {
	s.observe(store, op, metrics.StoreResultError, start)
	s.logger.Warn("cache operation failed",
		slog.String("operation", op),
		slog.String("backend", store.Name()),
		slog.String("key", key),
		slog.Any("error", err),
	)
}

func (s *Service) getRaw(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "get", metrics.StoreResultDegraded, start)
		return nil, false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		s.fail(store, "get", key, err, start)
		return nil, false
	}
	if !ok {
		s.observe(store, "get", metrics.StoreResultMiss, start)
		return nil, false
	}
	s.observe(store, "get", metrics.StoreResultHit, start)
	return raw, true
}

// Get decodes the JSON stored under key into T. A corrupt entry counts as a
// miss and is deleted.
func Get[T any](ctx context.Context, s *Service, key string) (T, bool) {
	var zero T
	raw, ok := s.getRaw(ctx, key)
	if !ok {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		s.logger.Warn("cache entry corrupt, deleting", slog.String("key", key), slog.Any("error", err))
		s.Del(ctx, key)
		return zero, false
	}
	return out, true
}

// Set stores value as JSON. ttl == 0 picks the medium bucket; ttl < 0 stores
// without expiry.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "set", metrics.StoreResultDegraded, start)
		return false
	}
	payload, err := json.Marshal(value)
	if err != nil {
		s.fail(store, "set", key, fmt.Errorf("cache: encode: %w", err), start)
		return false
	}
	switch {
	case ttl == 0:
		ttl = s.ttls.Medium
	case ttl < 0:
		ttl = 0
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := store.Set(ctx, key, payload, ttl); err != nil {
		s.fail(store, "set", key, err, start)
		return false
	}
	s.observe(store, "set", metrics.StoreResultOK, start)
	return true
}

func (s *Service) Del(ctx context.Context, key string) bool {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "del", metrics.StoreResultDegraded, start)
		return false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := store.Del(ctx, key); err != nil {
		s.fail(store, "del", key, err, start)
		return false
	}
	s.observe(store, "del", metrics.StoreResultOK, start)
	return true
}

// DelPattern removes every key matching the glob and reports the count removed.
func (s *Service) DelPattern(ctx context.Context, pattern string) (int64, bool) {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "del_pattern", metrics.StoreResultDegraded, start)
		return 0, false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := store.DelPattern(ctx, pattern)
	if err != nil {
		s.fail(store, "del_pattern", pattern, err, start)
		return n, false
	}
	s.observe(store, "del_pattern", metrics.StoreResultOK, start)
	return n, true
}

func (s *Service) Exists(ctx context.Context, key string) bool {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "exists", metrics.StoreResultDegraded, start)
		return false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	ok, err := store.Exists(ctx, key)
	if err != nil {
		s.fail(store, "exists", key, err, start)
		return false
	}
	result := metrics.StoreResultMiss
	if ok {
		result = metrics.StoreResultHit
	}
	s.observe(store, "exists", result, start)
	return ok
}

// Incr bumps a counter that expires ttl after creation. It returns 0 when the
// store is unavailable.
func (s *Service) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "incr", metrics.StoreResultDegraded, start)
		return 0
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := store.Incr(ctx, key, ttl)
	if err != nil {
		s.fail(store, "incr", key, err, start)
		return 0
	}
	s.observe(store, "incr", metrics.StoreResultOK, start)
	return n
}

// TTL reports the remaining lifetime in whole seconds rounded up, -1 for keys
// without expiry and -2 for absent keys or when the store is unavailable.
func (s *Service) TTL(ctx context.Context, key string) int64 {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "ttl", metrics.StoreResultDegraded, start)
		return -2
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	d, err := store.TTL(ctx, key)
	if err != nil {
		s.fail(store, "ttl", key, err, start)
		return -2
	}
	s.observe(store, "ttl", metrics.StoreResultOK, start)
	switch d {
	case kvstore.TTLMissing:
		return -2
	case kvstore.TTLNoExpiry:
		return -1
	}
	return ceilSeconds(d)
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}

// Flush drops every entry. Administrative use only.
func (s *Service) Flush(ctx context.Context) bool {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "flush", metrics.StoreResultDegraded, start)
		return false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := store.Flush(ctx); err != nil {
		s.fail(store, "flush", "*", err, start)
		return false
	}
	s.observe(store, "flush", metrics.StoreResultOK, start)
	s.logger.Warn("cache flushed", slog.String("backend", store.Name()))
	return true
}

// Size returns the live entry count, 0 when it cannot be determined.
func (s *Service) Size(ctx context.Context) int64 {
	start := time.Now()
	store := s.active()
	if store == nil {
		s.observe(nil, "size", metrics.StoreResultDegraded, start)
		return 0
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := store.Size(ctx)
	if err != nil {
		s.fail(store, "size", "", err, start)
		return 0
	}
	s.observe(store, "size", metrics.StoreResultOK, start)
	return n
}

// Close stops the active store and returns the service to degraded mode.
func (s *Service) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.mu.Lock()
	store := s.store
	s.store = nil
	s.mu.Unlock()

	var errs []error
	if store != nil {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: close %s: %w", store.Name(), err))
		}
	}
	if err := s.closeOwnedDB(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) closeOwnedDB() error {
	if s.ownedDB == nil {
		return nil
	}
	db := s.ownedDB
	s.ownedDB = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("cache: close sql database: %w", err)
	}
	return nil
}
