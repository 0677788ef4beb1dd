package invalidation

import (
	"context"
	"log/slog"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/metrics"
)

// Invalidator clears the keys registered for written entities. Failures are
// logged and counted, never returned: the write already committed.
type Invalidator struct {
	cache    *cache.Service
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func New(svc *cache.Service, registry *Registry, logger *slog.Logger, rec *metrics.Recorder) *Invalidator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		cache:    svc,
		registry: registry,
		logger:   logger.With(slog.String("agent", "invalidation")),
		metrics:  rec,
	}
}

// Invalidate clears every pattern registered for entities, each pattern once.
// Exact keys use Del and globs use DelPattern.
func (i *Invalidator) Invalidate(ctx context.Context, tenant string, entities ...Entity) {
	seen := make(map[string]struct{})
	for _, entity := range entities {
		for _, target := range i.registry.Targets(tenant, entity) {
			pattern := target.Pattern
			if _, dup := seen[pattern]; dup {
				continue
			}
			seen[pattern] = struct{}{}
			ok := i.apply(ctx, target)
			i.metrics.ObserveInvalidation(string(entity), ok)
			if !ok {
				i.logger.Warn("cache invalidation failed",
					slog.String("entity", string(entity)),
					slog.String("pattern", pattern),
					slog.String("tenant", tenant),
				)
			}
		}
	}
}

func (i *Invalidator) apply(ctx context.Context, target Target) bool {
	if target.Exact {
		return i.cache.Del(ctx, target.Pattern)
	}
	removed, ok := i.cache.DelPattern(ctx, target.Pattern)
	if ok {
		i.logger.Debug("cache pattern invalidated", slog.String("pattern", target.Pattern), slog.Int64("removed", removed))
	}
	return ok
}
