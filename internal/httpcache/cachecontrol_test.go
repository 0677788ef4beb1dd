package httpcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCacheControl(t *testing.T) {
	cc := parseCacheControl(`public, max-age=30, s-maxage="10", No-Store, private, bogus=x`)
	require.NotNil(t, cc.maxAge)
	require.Equal(t, 30*time.Second, *cc.maxAge)
	require.NotNil(t, cc.sMaxAge)
	require.Equal(t, 10*time.Second, *cc.sMaxAge)
	require.True(t, cc.noStore)
	require.True(t, cc.private)
	require.False(t, cc.noCache)

	empty := parseCacheControl("")
	require.Nil(t, empty.maxAge)
	require.False(t, empty.noStore)

	negative := parseCacheControl("max-age=-5")
	require.Nil(t, negative.maxAge)
}

func TestStorableTTL(t *testing.T) {
	tenant := &Route{TTL: time.Minute}
	global := &Route{TTL: time.Minute, Global: true}

	cases := []struct {
		name   string
		route  *Route
		header string
		ttl    time.Duration
		ok     bool
	}{
		{"no directive keeps route ttl", tenant, "", time.Minute, true},
		{"max-age caps ttl", tenant, "max-age=15", 15 * time.Second, true},
		{"max-age never extends ttl", tenant, "max-age=3600", time.Minute, true},
		{"s-maxage wins over max-age", tenant, "max-age=40, s-maxage=20", 20 * time.Second, true},
		{"max-age zero skips", tenant, "max-age=0", 0, false},
		{"no-store skips", tenant, "no-store", 0, false},
		{"no-cache skips", tenant, "no-cache", 0, false},
		{"private allowed on tenant route", tenant, "private", time.Minute, true},
		{"private skips global route", global, "private", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set("Cache-Control", tc.header)
			}
			ttl, ok := storableTTL(tc.route, h)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.ttl, ttl)
		})
	}
}

func TestInterceptorHonoursHandlerCacheControl(t *testing.T) {
	f := newFixture(t, productRoutes)
	directive := "no-store"
	h := f.icpt.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Header().Set("Cache-Control", directive)
		_, _ = w.Write([]byte(`{}`))
	}))

	first := do(h, http.MethodGet, "/api/products", "alice")
	require.Empty(t, first.Header().Values(HeaderCacheTTL), "nothing stored, no ttl advertised")
	second := do(h, http.MethodGet, "/api/products", "alice")
	require.Equal(t, "MISS", second.Header().Get(HeaderCache))
	require.EqualValues(t, 2, f.calls.Load())

	directive = "max-age=5"
	miss := do(h, http.MethodGet, "/api/products", "alice")
	require.Equal(t, "MISS", miss.Header().Get(HeaderCache))
	require.Equal(t, "5", miss.Header().Get(HeaderCacheTTL))
	hit := do(h, http.MethodGet, "/api/products", "alice")
	require.Equal(t, "HIT", hit.Header().Get(HeaderCache))
	require.Equal(t, "5", hit.Header().Get(HeaderCacheTTL))
	require.LessOrEqual(t, f.svc.TTL(context.Background(), "api:products:alice:GET"), int64(5))
}
