package kvstore

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/balcao/internal/sqldb"
)

// backend bundles a store with a way to move its clock past an expiry.
type backend struct {
	store   Store
	advance func(d time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			m := NewMemory(time.Hour)
			clock := time.Now()
			m.now = func() time.Time { return clock }
			t.Cleanup(func() { _ = m.Close() })
			return backend{store: m, advance: func(d time.Duration) { clock = clock.Add(d) }}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			r, err := NewRedis(RedisConfig{Address: mr.Addr()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			return backend{store: r, advance: mr.FastForward}
		},
		"sql": func(t *testing.T) backend {
			db, err := sqldb.Open(context.Background(), "sqlite", ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s, err := NewSQL(context.Background(), db, time.Hour)
			require.NoError(t, err)
			clock := time.Now()
			s.now = func() time.Time { return clock }
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: func(d time.Duration) { clock = clock.Add(d) }}
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("set then get", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Set(ctx, "products:all:alice", []byte(`[1,2]`), time.Minute))
				got, ok, err := b.store.Get(ctx, "products:all:alice")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, []byte(`[1,2]`), got)
			})

			t.Run("last writer wins", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Set(ctx, "k", []byte("v1"), time.Minute))
				require.NoError(t, b.store.Set(ctx, "k", []byte("v2"), time.Minute))
				got, ok, err := b.store.Get(ctx, "k")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, "v2", string(got))
			})

			t.Run("expiry", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Set(ctx, "k", []byte("v"), time.Second))
				b.advance(1100 * time.Millisecond)
				_, ok, err := b.store.Get(ctx, "k")
				require.NoError(t, err)
				require.False(t, ok)
				ttl, err := b.store.TTL(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, TTLMissing, ttl)
				exists, err := b.store.Exists(ctx, "k")
				require.NoError(t, err)
				require.False(t, exists)
			})

			t.Run("ttl sentinels", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Set(ctx, "forever", []byte("v"), 0))
				ttl, err := b.store.TTL(ctx, "forever")
				require.NoError(t, err)
				require.Equal(t, TTLNoExpiry, ttl)

				ttl, err = b.store.TTL(ctx, "absent")
				require.NoError(t, err)
				require.Equal(t, TTLMissing, ttl)

				require.NoError(t, b.store.Set(ctx, "short", []byte("v"), 60*time.Second))
				ttl, err = b.store.TTL(ctx, "short")
				require.NoError(t, err)
				require.LessOrEqual(t, ttl, 60*time.Second)
				require.Greater(t, ttl, 55*time.Second)
			})

			t.Run("idempotent delete", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Del(ctx, "missing"))
				require.NoError(t, b.store.Del(ctx, "missing"))
			})

			t.Run("pattern delete", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				for _, key := range []string{"products:a", "products:b", "clients:a", "api:products:alice:GET"} {
					require.NoError(t, b.store.Set(ctx, key, []byte("x"), time.Minute))
				}
				removed, err := b.store.DelPattern(ctx, "products:*")
				require.NoError(t, err)
				require.EqualValues(t, 2, removed)

				for key, want := range map[string]bool{
					"products:a":             false,
					"products:b":             false,
					"clients:a":              true,
					"api:products:alice:GET": true,
				} {
					exists, err := b.store.Exists(ctx, key)
					require.NoError(t, err)
					require.Equal(t, want, exists, key)
				}

				removed, err = b.store.DelPattern(ctx, "api:products*")
				require.NoError(t, err)
				require.EqualValues(t, 1, removed)
			})

			t.Run("incr keeps original expiry", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				n, err := b.store.Incr(ctx, "ratelimit:1.2.3.4:1", 300*time.Second)
				require.NoError(t, err)
				require.EqualValues(t, 1, n)

				first, err := b.store.TTL(ctx, "ratelimit:1.2.3.4:1")
				require.NoError(t, err)
				require.Greater(t, first, 295*time.Second)
				require.LessOrEqual(t, first, 300*time.Second)

				b.advance(10 * time.Second)
				n, err = b.store.Incr(ctx, "ratelimit:1.2.3.4:1", 300*time.Second)
				require.NoError(t, err)
				require.EqualValues(t, 2, n)

				second, err := b.store.TTL(ctx, "ratelimit:1.2.3.4:1")
				require.NoError(t, err)
				require.LessOrEqual(t, second, 291*time.Second)

				b.advance(300 * time.Second)
				n, err = b.store.Incr(ctx, "ratelimit:1.2.3.4:1", 300*time.Second)
				require.NoError(t, err)
				require.EqualValues(t, 1, n, "expired counter restarts")
			})

			t.Run("incr on non integer", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Set(ctx, "k", []byte("abc"), time.Minute))
				_, err := b.store.Incr(ctx, "k", time.Minute)
				require.ErrorIs(t, err, ErrNotInteger)
			})

			t.Run("flush and size", func(t *testing.T) {
				b := open(t)
				ctx := context.Background()
				require.NoError(t, b.store.Set(ctx, "a", []byte("1"), time.Minute))
				require.NoError(t, b.store.Set(ctx, "b", []byte("1"), 0))
				size, err := b.store.Size(ctx)
				require.NoError(t, err)
				require.EqualValues(t, 2, size)

				require.NoError(t, b.store.Flush(ctx))
				size, err = b.store.Size(ctx)
				require.NoError(t, err)
				require.EqualValues(t, 0, size)
			})
		})
	}
}

func TestMemorySweepRemovesUnreadExpiredEntries(t *testing.T) {
	m := NewMemory(10 * time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "stale", []byte("x"), 5*time.Millisecond))
	require.NoError(t, m.Set(ctx, "fresh", []byte("x"), time.Hour))

	require.Eventually(t, func() bool {
		return m.entryCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value, 0))
	value[0] = 'z'
	got, _, _ := m.Get(ctx, "k")
	require.Equal(t, "abc", string(got))
	got[1] = 'z'
	again, _, _ := m.Get(ctx, "k")
	require.Equal(t, "abc", string(again))
}

func TestSQLSweep(t *testing.T) {
	db, err := sqldb.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	s, err := NewSQL(context.Background(), db, time.Hour)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "stale", []byte("x"), time.Millisecond))
	require.NoError(t, s.Set(ctx, "forever", []byte("x"), 0))
	time.Sleep(5 * time.Millisecond)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func TestSQLDelPatternEscapesLikeWildcards(t *testing.T) {
	db, err := sqldb.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	s, err := NewSQL(context.Background(), db, time.Hour)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user_stats:a", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "userXstats:a", []byte("x"), 0))

	removed, err := s.DelPattern(ctx, "user_stats:*")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	exists, err := s.Exists(ctx, "userXstats:a")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestNewRedisFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedis(RedisConfig{Address: addr})
	require.Error(t, err)

	_, err = NewRedis(RedisConfig{})
	require.Error(t, err)
}

func TestRedisIncrSetsExpiryWithCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	const callers = 50
	seen := make([]int64, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.Incr(ctx, "ratelimit:10.0.0.1:7", time.Minute)
			assert.NoError(t, err)
			seen[i] = n
		}()
	}
	wg.Wait()

	slices.Sort(seen)
	for i, n := range seen {
		require.EqualValues(t, i+1, n)
	}
	require.Equal(t, time.Minute, mr.TTL("ratelimit:10.0.0.1:7"))

	n, err := r.Incr(ctx, "counter:forever", 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Zero(t, mr.TTL("counter:forever"))
}
