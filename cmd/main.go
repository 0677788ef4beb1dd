package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/balcao/internal/api"
	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/config"
	"github.com/l0p7/balcao/internal/expr"
	"github.com/l0p7/balcao/internal/httpcache"
	"github.com/l0p7/balcao/internal/invalidation"
	"github.com/l0p7/balcao/internal/kvstore"
	"github.com/l0p7/balcao/internal/logging"
	"github.com/l0p7/balcao/internal/metrics"
	"github.com/l0p7/balcao/internal/security"
	"github.com/l0p7/balcao/internal/server"
	"github.com/l0p7/balcao/internal/sqldb"
	"github.com/l0p7/balcao/internal/store"
)

type routesWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchRoutes(context.Context, config.Config, func(map[string]config.RouteConfig), func(error)) (routesWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
	OnShutdown(string, func(context.Context) error)
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchRoutes(ctx context.Context, cfg config.Config, onChange func(map[string]config.RouteConfig), onError func(error)) (routesWatcher, error) {
	w, err := l.Loader.WatchRoutes(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "BALCAO", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resources collects what run opened so it is released in reverse order,
// either by the server on shutdown or directly when startup fails.
type resources struct {
	hooks []server.Hook
}

func (r *resources) add(name string, fn func(context.Context) error) {
	r.hooks = append(r.hooks, server.Hook{Name: name, Fn: fn})
}

func (r *resources) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(r.hooks) - 1; i >= 0; i-- {
		if err := r.hooks[i].Fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.hooks[i].Name, err))
		}
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	res := &resources{}
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		if releaseErr := res.release(); releaseErr != nil {
			logger.Error("resource release failed", slog.Any("error", releaseErr))
		}
	}()

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	db, err := sqldb.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	res.add("database", func(context.Context) error { return db.Close() })

	records, err := store.New(ctx, db)
	if err != nil {
		return fmt.Errorf("prepare store: %w", err)
	}

	svc := buildCacheService(cfg, db, logger, recorder)
	svc.Init(ctx)
	res.add("cache", func(context.Context) error { return svc.Close() })

	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("build expression environment: %w", err)
	}
	table, err := httpcache.Compile(cfg.Cache.Routes, svc.TTLs(), env)
	if err != nil {
		return fmt.Errorf("compile cache routes: %w", err)
	}
	interceptor := httpcache.New(svc, table, env, httpcache.Options{
		APIPrefix: cfg.Cache.APIPrefix,
		Tenant:    api.TenantFromRequest,
		Logger:    logger,
		Metrics:   recorder,
	})

	if cfg.Cache.RoutesFile != "" {
		watchLogger := logger.With(slog.String("agent", "routes_watcher"))
		watcher, err := loader.WatchRoutes(ctx, cfg, func(routes map[string]config.RouteConfig) {
			if err := interceptor.Reload(routes); err != nil {
				watchLogger.Error("cache routes reload rejected", slog.Any("error", err))
				return
			}
			watchLogger.Info("cache routes reloaded", slog.Int("routes", len(routes)))
		}, func(err error) {
			if err != nil {
				watchLogger.Error("routes watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("routes watcher setup failed", slog.Any("error", err))
		} else {
			res.add("routes watcher", func(context.Context) error { watcher.Stop(); return nil })
		}
	}

	deps := api.Deps{
		Store:       records,
		Cache:       svc,
		Invalidator: invalidation.New(svc, invalidation.DefaultRegistry(), logger, recorder),
		Interceptor: interceptor,
		Metrics:     recorder,
		Logger:      logger,
		UserHeader:  cfg.Server.Auth.UserHeader,
		Admins:      cfg.Server.Admin.Users,
	}
	if rl := cfg.Security.RateLimit; rl.Enabled {
		deps.Limiter = security.NewRateLimiter(svc, rl.Requests, time.Duration(rl.WindowSeconds)*time.Second, logger, recorder)
	}
	if g := cfg.Security.Guard; g.Enabled {
		tracker := security.NewTracker(g.MaxStrikes, time.Duration(g.BlockSeconds)*time.Second)
		tracker.Start(ctx, time.Duration(g.CleanupIntervalSeconds)*time.Second)
		deps.Guard = security.NewGuard(tracker, logger, recorder)
	}

	srv, err := newHTTPServer(cfg, logger, api.NewRouter(deps))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	for _, hook := range res.hooks {
		srv.OnShutdown(hook.Name, hook.Fn)
	}
	handedOff = true

	logger.Info("balcao ready",
		slog.String("database", string(db.Dialect())),
		slog.String("cache_backend", svc.Backend()),
		slog.Int("cache_routes", table.Len()))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server run: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func buildCacheService(cfg config.Config, db *sqldb.DB, logger *slog.Logger, rec *metrics.Recorder) *cache.Service {
	opts := cache.Options{
		Backend: strings.TrimSpace(strings.ToLower(cfg.Cache.Backend)),
		Redis: kvstore.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS: kvstore.RedisTLSConfig{
				Enabled: cfg.Cache.Redis.TLS.Enabled,
				CAFile:  cfg.Cache.Redis.TLS.CAFile,
			},
		},
		SweepInterval: cfg.Cache.SweepInterval(),
		TTLs:          cache.TTLsFromConfig(cfg.Cache.TTL),
		Fallback:      cfg.Cache.Fallback,
		Logger:        logger,
		Metrics:       rec,
	}
	if strings.TrimSpace(cfg.Cache.SQL.DSN) == "" {
		opts.SQLDB = db
	} else {
		opts.SQLDriver = cfg.Cache.SQL.Driver
		if opts.SQLDriver == "" {
			opts.SQLDriver = cfg.Database.Driver
		}
		opts.SQLDSN = cfg.Cache.SQL.DSN
	}
	return cache.New(opts)
}
