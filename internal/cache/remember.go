package cache

import (
	"context"
	"fmt"
	"time"
)

// rememberLoadTimeout bounds a shared load once it is detached from the
// caller that started it.
const rememberLoadTimeout = 30 * time.Second

// Remember returns the cached value under key or runs load once for all
// concurrent callers of the same key, caching its result for ttl. Load errors
// are returned and nothing is stored.
//
// The shared load does not inherit the starting caller's cancellation; each
// caller stops waiting when its own ctx is done.
func Remember[T any](ctx context.Context, s *Service, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := Get[T](ctx, s, key); ok {
		return v, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(loadCtx, rememberLoadTimeout)
		defer cancel()
		if v, ok := Get[T](ctx, s, key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(ctx, key, v, ttl)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cache: remember %s: unexpected %T", key, res.Val)
		}
		return v, nil
	}
}
