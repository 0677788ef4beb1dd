// Package httpcache replays stored responses for cacheable read routes and
// captures fresh 200 responses on a miss.
package httpcache

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/config"
	"github.com/l0p7/balcao/internal/expr"
	"github.com/l0p7/balcao/internal/metrics"
)

const (
	HeaderCache    = "X-Cache"
	HeaderCacheAge = "X-Cache-Age"
	HeaderCacheTTL = "X-Cache-TTL"

	defaultMaxBodyBytes = 1 << 20
)

// TenantFunc extracts the tenant a request acts for. Empty means unknown.
type TenantFunc func(*http.Request) string

type Options struct {
	// APIPrefix is stripped from the path when building keys. Default "/api/".
	APIPrefix string
	Tenant    TenantFunc
	// MaxBodyBytes caps the response size that is stored. Default 1 MiB.
	MaxBodyBytes int
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// storedResponse is the JSON document kept under an api:* key.
type storedResponse struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"headers"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Interceptor is the request-level read-through cache.
type Interceptor struct {
	cache   *cache.Service
	env     *expr.Environment
	table   atomic.Pointer[Table]
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func New(svc *cache.Service, table *Table, env *expr.Environment, opts Options) *Interceptor {
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Tenant == nil {
		opts.Tenant = func(*http.Request) string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	i := &Interceptor{
		cache:   svc,
		env:     env,
		opts:    opts,
		logger:  logger.With(slog.String("agent", "httpcache")),
		metrics: opts.Metrics,
		now:     time.Now,
	}
	if table == nil {
		table = &Table{exact: map[string]*Route{}}
	}
	i.table.Store(table)
	return i
}

// Swap installs a new route table for subsequent requests.
func (i *Interceptor) Swap(table *Table) {
	if table == nil {
		return
	}
	i.table.Store(table)
}

// Reload compiles routes and swaps them in. On error the current table stays.
func (i *Interceptor) Reload(routes map[string]config.RouteConfig) error {
	table, err := Compile(routes, i.cache.TTLs(), i.env)
	if err != nil {
		return err
	}
	i.Swap(table)
	i.logger.Info("cache route table reloaded", slog.Int("routes", table.Len()))
	return nil
}

// Table returns the active route table.
func (i *Interceptor) Table() *Table { return i.table.Load() }

// Middleware wraps next with the cache lookup and capture.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := i.table.Load().Match(r.URL.Path)
		if !ok || !route.allows(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		tenant := ""
		if !route.Global {
			tenant = i.opts.Tenant(r)
			if tenant == "" {
				i.metrics.ObserveInterception(route.Path, metrics.InterceptionSkip)
				next.ServeHTTP(w, r)
				return
			}
		}

		if route.bypass != nil {
			bypass, err := route.bypass.Matches(expr.RequestFromHTTP(r, tenant))
			if err != nil {
				i.logger.Warn("cache bypass expression failed",
					slog.String("route", route.Path),
					slog.String("expression", route.bypass.String()),
					slog.Any("error", err),
				)
			}
			if bypass {
				i.metrics.ObserveInterception(route.Path, metrics.InterceptionBypass)
				w.Header().Set(HeaderCache, "BYPASS")
				next.ServeHTTP(w, r)
				return
			}
		}

		key := cache.Keys.APIRoute(i.keyRoute(route, r.URL.Path), tenant, r.Method, r.URL.RawQuery)
		ctx := r.Context()
		if stored, ok := cache.Get[storedResponse](ctx, i.cache, key); ok {
			i.metrics.ObserveInterception(route.Path, metrics.InterceptionHit)
			i.replay(w, stored)
			return
		}

		w.Header().Set(HeaderCache, "MISS")
		capture := &captureWriter{ResponseWriter: w, route: route, limit: i.opts.MaxBodyBytes}
		next.ServeHTTP(capture, r)
		if capture.code == 0 {
			capture.WriteHeader(http.StatusOK)
		}

		if capture.status() != http.StatusOK || capture.overflow {
			i.metrics.ObserveInterception(route.Path, metrics.InterceptionMiss)
			return
		}
		i.store(ctx, route, key, capture)
	})
}

func (i *Interceptor) keyRoute(route *Route, path string) string {
	if route.KeyPrefix != "" {
		return route.KeyPrefix + strings.TrimPrefix(strings.TrimSuffix(path, "/"), route.base)
	}
	return strings.TrimPrefix(path, i.opts.APIPrefix)
}

func (i *Interceptor) replay(w http.ResponseWriter, stored storedResponse) {
	now := i.now()
	header := w.Header()
	for name, values := range stored.Header {
		if _, set := header[name]; set {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	age := max(int64(now.Sub(stored.StoredAt)/time.Second), 0)
	remaining := max(ceilSeconds(stored.ExpiresAt.Sub(now)), 0)
	header.Set(HeaderCache, "HIT")
	header.Set(HeaderCacheAge, strconv.FormatInt(age, 10))
	header.Set(HeaderCacheTTL, strconv.FormatInt(remaining, 10))
	status := stored.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(stored.Body)
}

func (i *Interceptor) store(ctx context.Context, route *Route, key string, capture *captureWriter) {
	if !capture.storable {
		i.metrics.ObserveInterception(route.Path, metrics.InterceptionMiss)
		return
	}
	ttl := capture.ttl
	now := i.now()
	stored := storedResponse{
		Status:    http.StatusOK,
		Header:    capture.header,
		Body:      capture.body.Bytes(),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if !i.cache.Set(ctx, key, stored, ttl) {
		i.metrics.ObserveInterception(route.Path, metrics.InterceptionStoreError)
		return
	}
	i.metrics.ObserveInterception(route.Path, metrics.InterceptionMiss)
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}

// captureWriter tees the response to the client and a buffer. When the
// status is 200 it decides, before the header goes out, whether and for how
// long the response may be stored, and advertises that as X-Cache-TTL.
type captureWriter struct {
	http.ResponseWriter
	route    *Route
	code     int
	header   http.Header
	ttl      time.Duration
	storable bool
	body     bytes.Buffer
	limit    int
	overflow bool
}

func (c *captureWriter) WriteHeader(code int) {
	if c.code != 0 {
		return
	}
	c.code = code
	c.header = capturableHeader(c.ResponseWriter.Header())
	if code == http.StatusOK {
		c.ttl, c.storable = storableTTL(c.route, c.header)
	}
	if c.storable {
		c.ResponseWriter.Header().Set(HeaderCacheTTL, strconv.FormatInt(ceilSeconds(c.ttl), 10))
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.code == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if !c.overflow {
		if c.body.Len()+len(p) > c.limit {
			c.overflow = true
			c.body.Reset()
		} else {
			c.body.Write(p)
		}
	}
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (c *captureWriter) status() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}

// capturableHeader drops Set-Cookie, the X-Cache* markers and the per-request
// rate limit headers.
func capturableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Set-Cookie" || canonical == "Retry-After" ||
			strings.HasPrefix(canonical, "X-Cache") || strings.HasPrefix(canonical, "X-Ratelimit-") {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}
