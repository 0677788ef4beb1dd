package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/config"
	"github.com/l0p7/balcao/internal/logging"
	"github.com/l0p7/balcao/internal/metrics"
	"github.com/l0p7/balcao/internal/sqldb"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.DSN = ":memory:"
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0
	cfg.Server.Logging.Level = "error"
	cfg.Cache.Routes = config.DefaultRoutes()
	return cfg
}

func TestBuildCacheService(t *testing.T) {
	db, err := sqldb.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tests := []struct {
		name    string
		cfg     func(t *testing.T) config.Config
		backend string
	}{
		{
			name:    "defaults to memory",
			cfg:     func(*testing.T) config.Config { return testConfig() },
			backend: cache.BackendMemory,
		},
		{
			name: "constructs redis cache",
			cfg: func(t *testing.T) config.Config {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				cfg := testConfig()
				cfg.Cache.Backend = "redis"
				cfg.Cache.Redis.Address = server.Addr()
				return cfg
			},
			backend: cache.BackendRedis,
		},
		{
			name: "sql cache shares the domain database",
			cfg: func(*testing.T) config.Config {
				cfg := testConfig()
				cfg.Cache.Backend = "sql"
				return cfg
			},
			backend: cache.BackendSQL,
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(*testing.T) config.Config {
				cfg := testConfig()
				cfg.Cache.Backend = "redis"
				cfg.Cache.Redis.Address = "127.0.0.1:1"
				return cfg
			},
			backend: cache.BackendMemory,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := buildCacheService(tc.cfg(t), db, logging.Discard(), metrics.NewRecorder(nil))
			svc.Init(context.Background())
			t.Cleanup(func() { require.NoError(t, svc.Close()) })

			require.Equal(t, tc.backend, svc.Backend())
			require.True(t, svc.Set(context.Background(), "k", "v", time.Minute))
			got, ok := cache.Get[string](context.Background(), svc, "k")
			require.True(t, ok)
			require.Equal(t, "v", got)
		})
	}
	require.NoError(t, db.Ping(), "borrowed database stays open after the cache closes")
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "BALCAO", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunRejectsUnopenableDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = " "
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "BALCAO", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "open database")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "BALCAO", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunErrorReleasesResources(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.RoutesFile = "routes.yaml"
	stopped := false
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg, stopped: &stopped}
	})
	stub := &stubServer{err: errors.New("run failed")}
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return stub, nil
	})

	err := run(context.Background(), "BALCAO", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
	require.Equal(t, []string{"routes watcher", "cache", "database"}, stub.released)
	require.True(t, stopped)
}

func TestRunServesUntilCancelled(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig()}
	})
	var handler http.Handler
	stub := &stubServer{block: true}
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, h http.Handler) (runnableServer, error) {
		handler = h
		return stub, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "BALCAO", "") }()

	require.Eventually(t, stub.started, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, handler)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
}

func TestRunWithRoutesFileEndToEnd(t *testing.T) {
	dir := t.TempDir()
	routesPath := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(routesPath, []byte("routes:\n  /api/clients:\n    ttl: long\n    methods: [GET]\n"), 0o600))
	configPath := filepath.Join(dir, "balcao.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`server:
  listen:
    address: 127.0.0.1
    port: 0
  logging:
    level: error
database:
  driver: sqlite
  dsn: ":memory:"
cache:
  routesFile: `+routesPath+`
`), 0o600))

	var handler http.Handler
	stub := &stubServer{block: true}
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, h http.Handler) (runnableServer, error) {
		handler = h
		return stub, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "BALCAO_TEST_UNSET", configPath) }()
	require.Eventually(t, stub.started, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, handler)

	cancel()
	require.NoError(t, <-done)
	require.Contains(t, stub.releasedNames(), "routes watcher")
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg      config.Config
	loadErr  error
	watchErr error
	stopped  *bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchRoutes(context.Context, config.Config, func(map[string]config.RouteConfig), func(error)) (routesWatcher, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

// stubServer mimics server.Server: hooks run in reverse order when Run returns.
type stubServer struct {
	err   error
	block bool

	mu       sync.Mutex
	running  bool
	hooks    []func(context.Context) error
	names    []string
	released []string
}

func (s *stubServer) OnShutdown(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.hooks = append(s.hooks, fn)
}

func (s *stubServer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.hooks) - 1; i >= 0; i-- {
		_ = s.hooks[i](context.Background())
		s.released = append(s.released, s.names[i])
	}
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func (s *stubServer) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *stubServer) releasedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}
