package security

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/balcao/internal/cache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func request(h http.Handler, target, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = ip + ":5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimiterBlocksAboveLimit(t *testing.T) {
	svc := cache.New(cache.Options{Backend: cache.BackendMemory, Logger: quietLogger()})
	svc.Init(context.Background())
	t.Cleanup(func() { _ = svc.Close() })

	limiter := NewRateLimiter(svc, 2, time.Minute, quietLogger(), nil)
	fixed := time.Unix(1_699_999_990, 0)
	limiter.now = func() time.Time { return fixed }
	h := limiter.Middleware(okHandler())

	require.Equal(t, http.StatusNoContent, request(h, "/api/products", "10.0.0.1").Code)
	second := request(h, "/api/products", "10.0.0.1")
	require.Equal(t, http.StatusNoContent, second.Code)
	require.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := request(h, "/api/products", "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	require.Equal(t, "50", third.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	require.Equal(t, "too many requests", body["error"])

	require.Equal(t, http.StatusNoContent, request(h, "/api/products", "10.0.0.2").Code, "limits are per ip")

	fixed = fixed.Add(time.Minute)
	require.Equal(t, http.StatusNoContent, request(h, "/api/products", "10.0.0.1").Code, "next window starts fresh")
}

func TestRateLimiterAllowsWhenCacheDegraded(t *testing.T) {
	svc := cache.New(cache.Options{Logger: quietLogger()})
	limiter := NewRateLimiter(svc, 1, time.Minute, quietLogger(), nil)
	h := limiter.Middleware(okHandler())
	for range 5 {
		require.Equal(t, http.StatusNoContent, request(h, "/", "10.0.0.1").Code)
	}
}

func TestDetect(t *testing.T) {
	cases := []struct {
		path, query string
		kind        string
	}{
		{"/api/products", "q=1%27%20OR%201%3D1", "sql_injection"},
		{"/api/products", "q=x' or 'a", "sql_injection"},
		{"/api/products", "q=1 UNION SELECT password FROM users", "sql_injection"},
		{"/api/clients", "name=%3Cscript%3Ealert(1)%3C/script%3E", "xss"},
		{"/api/../../etc/passwd", "", "path_traversal"},
		{"/api/files", "f=%2e%2e%2fsecret", "path_traversal"},
	}
	for _, tc := range cases {
		kind, found := Detect(tc.path, tc.query)
		require.True(t, found, tc.query)
		require.Equal(t, tc.kind, kind, tc.query)
	}

	for _, benign := range []string{"page=2", "q=café com leite", "sort=name&order=asc"} {
		_, found := Detect("/api/products", benign)
		require.False(t, found, benign)
	}
}

func TestGuardBlocksAfterMaxStrikes(t *testing.T) {
	tracker := NewTracker(2, time.Minute)
	clock := time.Now()
	tracker.now = func() time.Time { return clock }
	h := NewGuard(tracker, quietLogger(), nil).Middleware(okHandler())

	require.Equal(t, http.StatusBadRequest, request(h, "/api/x?q=%3Cscript%3E", "10.0.0.9").Code)
	require.Equal(t, http.StatusNoContent, request(h, "/api/x", "10.0.0.9").Code)
	require.Equal(t, http.StatusBadRequest, request(h, "/api/x?q=%3Cscript%3E", "10.0.0.9").Code)

	blocked := request(h, "/api/x", "10.0.0.9")
	require.Equal(t, http.StatusForbidden, blocked.Code)
	require.NotEmpty(t, blocked.Header().Get("Retry-After"))
	require.Equal(t, http.StatusNoContent, request(h, "/api/x", "10.0.0.10").Code)

	clock = clock.Add(time.Minute + time.Second)
	require.Equal(t, http.StatusNoContent, request(h, "/api/x", "10.0.0.9").Code)
}

func TestTrackerCleanupAndReset(t *testing.T) {
	tracker := NewTracker(3, time.Minute)
	clock := time.Now()
	tracker.now = func() time.Time { return clock }

	tracker.Strike("a")
	for range 3 {
		tracker.Strike("b")
	}
	require.Equal(t, 2, tracker.Len())

	clock = clock.Add(30 * time.Second)
	require.Zero(t, tracker.Cleanup())

	clock = clock.Add(31 * time.Second)
	require.Equal(t, 2, tracker.Cleanup())
	require.Zero(t, tracker.Len())

	tracker.Strike("c")
	tracker.Reset()
	require.Zero(t, tracker.Len())
}

func TestTrackerStartStopsWithContext(t *testing.T) {
	tracker := NewTracker(1, time.Millisecond)
	tracker.Strike("a")
	ctx, cancel := context.WithCancel(context.Background())
	tracker.Start(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tracker.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	require.Equal(t, "192.0.2.1", ClientIP(req))
	req.RemoteAddr = "192.0.2.1"
	require.Equal(t, "192.0.2.1", ClientIP(req))
}
