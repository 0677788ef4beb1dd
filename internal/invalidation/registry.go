// Package invalidation maps written entities to the cache keys they make stale
// and clears them after a successful write.
package invalidation

import (
	"slices"
	"strings"
	"sync"

	"github.com/l0p7/balcao/internal/kvstore"
)

// Entity names a kind of record whose writes invalidate cached reads.
type Entity string

const (
	Product  Entity = "product"
	Client   Entity = "client"
	Account  Entity = "account"
	Movement Entity = "movement"
	Activity Entity = "activity"
)

const tenantPlaceholder = "{tenant}"

// Registry is the single entity -> key pattern table shared by handler-level
// keys and HTTP interception keys. Patterns may contain {tenant}.
type Registry struct {
	mu       sync.RWMutex
	patterns map[Entity][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{patterns: make(map[Entity][]string)}
}

// DefaultRegistry covers every cached read served by the API.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Product,
		"products:all:{tenant}", "products:item:{tenant}:*", "user:stats:{tenant}",
		"api:products*", "api:users/me/stats*")
	r.Register(Client,
		"clients:all:{tenant}", "clients:item:{tenant}:*", "user:stats:{tenant}",
		"api:clients*", "api:users/me/stats*")
	r.Register(Account,
		"accounts:*:{tenant}", "account:*", "user:stats:{tenant}",
		"api:accounts*", "api:users/me/stats*")
	r.Register(Movement,
		"movements:{tenant}:*", "products:all:{tenant}", "products:item:{tenant}:*", "user:stats:{tenant}",
		"api:movements*", "api:products*", "api:users/me/stats*")
	r.Register(Activity,
		"user:activities:{tenant}", "api:users/me/activities*")
	return r
}

// Register appends patterns for entity, skipping duplicates.
func (r *Registry) Register(entity Entity, patterns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(r.patterns[entity], p) {
			continue
		}
		r.patterns[entity] = append(r.patterns[entity], p)
	}
}

// Entities lists every registered entity.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.patterns))
	for e := range r.patterns {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// Target is one expanded registry entry. Exact targets name a single key and
// are removed with Del; the rest are globs.
type Target struct {
	Pattern string
	Exact   bool
}

// Targets expands the entity's patterns for tenant. Glob metacharacters in the
// tenant are escaped inside glob patterns so one tenant can never widen a delete.
func (r *Registry) Targets(tenant string, entity Entity) []Target {
	r.mu.RLock()
	templates := slices.Clone(r.patterns[entity])
	r.mu.RUnlock()

	out := make([]Target, 0, len(templates))
	for _, tpl := range templates {
		exact := !kvstore.IsPattern(strings.ReplaceAll(tpl, tenantPlaceholder, ""))
		value := tenant
		if !exact {
			value = escapeGlob(tenant)
		}
		out = append(out, Target{Pattern: strings.ReplaceAll(tpl, tenantPlaceholder, value), Exact: exact})
	}
	return out
}

// Patterns is Targets without the exact flag.
func (r *Registry) Patterns(tenant string, entity Entity) []string {
	targets := r.Targets(tenant, entity)
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Pattern
	}
	return out
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
