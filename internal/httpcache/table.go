package httpcache

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/config"
	"github.com/l0p7/balcao/internal/expr"
)

// Route is one compiled entry of the cacheable route table.
type Route struct {
	// Path is the configured pattern, used as the metrics label.
	Path      string
	TTL       time.Duration
	KeyPrefix string
	Methods   []string
	Global    bool

	base     string
	wildcard bool
	bypass   *expr.Bypass
}

func (r *Route) allows(method string) bool {
	return slices.Contains(r.Methods, method)
}

// Table resolves request paths to routes. Exact paths win over wildcards and
// longer wildcard prefixes win over shorter ones.
type Table struct {
	exact    map[string]*Route
	prefixes []*Route
}

// Compile validates and compiles the configured routes. TTLs may name a bucket
// or carry a duration.
func Compile(routes map[string]config.RouteConfig, ttls cache.TTLs, env *expr.Environment) (*Table, error) {
	t := &Table{exact: make(map[string]*Route, len(routes))}
	for path, rc := range routes {
		route, err := compileRoute(path, rc, ttls, env)
		if err != nil {
			return nil, err
		}
		if route.wildcard {
			t.prefixes = append(t.prefixes, route)
		} else {
			t.exact[route.base] = route
		}
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].base) > len(t.prefixes[j].base)
	})
	return t, nil
}

func compileRoute(path string, rc config.RouteConfig, ttls cache.TTLs, env *expr.Environment) (*Route, error) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("httpcache: route %q must start with /", path)
	}
	ttl, err := ttls.Lookup(rc.TTL)
	if err != nil {
		return nil, fmt.Errorf("httpcache: route %q: %w", path, err)
	}
	route := &Route{
		Path:      path,
		TTL:       ttl,
		KeyPrefix: strings.Trim(strings.TrimSpace(rc.KeyPrefix), "/"),
		Global:    strings.EqualFold(strings.TrimSpace(rc.Scope), "global"),
	}
	if base, ok := strings.CutSuffix(path, "/*"); ok {
		route.base = base
		route.wildcard = true
	} else {
		route.base = strings.TrimSuffix(path, "/")
		if route.base == "" {
			route.base = "/"
		}
	}
	for _, m := range rc.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" && !slices.Contains(route.Methods, m) {
			route.Methods = append(route.Methods, m)
		}
	}
	if len(route.Methods) == 0 {
		route.Methods = []string{"GET"}
	}
	if strings.TrimSpace(rc.Bypass) != "" {
		if env == nil {
			return nil, fmt.Errorf("httpcache: route %q: bypass requires an expression environment", path)
		}
		bypass, err := env.CompileBypass(rc.Bypass)
		if err != nil {
			return nil, fmt.Errorf("httpcache: route %q bypass: %w", path, err)
		}
		route.bypass = bypass
	}
	return route, nil
}

// Match returns the route serving path.
func (t *Table) Match(path string) (*Route, bool) {
	if t == nil {
		return nil, false
	}
	trimmed := path
	if len(trimmed) > 1 {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	if route, ok := t.exact[trimmed]; ok {
		return route, true
	}
	for _, route := range t.prefixes {
		if strings.HasPrefix(trimmed, route.base+"/") {
			return route, true
		}
	}
	return nil, false
}

// Len counts the compiled routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.exact) + len(t.prefixes)
}
