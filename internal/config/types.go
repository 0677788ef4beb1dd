package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the cacheable route table once it is loaded.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Cache    CacheConfig    `koanf:"cache"`
	Security SecurityConfig `koanf:"security"`

	// InlineRoutes records the route table before the routes file is merged so
	// reloads of that file never drop inline entries.
	InlineRoutes map[string]RouteConfig `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the HTTP lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Auth    AuthConfig    `koanf:"auth"`
	Admin   AdminConfig   `koanf:"admin"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig names the header an upstream session layer uses to hand over the
// authenticated username.
type AuthConfig struct {
	UserHeader string `koanf:"userHeader"`
}

// AdminConfig lists the usernames allowed to reach the cache administration routes.
type AdminConfig struct {
	Users []string `koanf:"users"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// CacheConfig drives the key-value backend, TTL buckets and the interception route table.
type CacheConfig struct {
	Backend              string                 `koanf:"backend"`
	Fallback             bool                   `koanf:"fallback"`
	SweepIntervalSeconds int                    `koanf:"sweepIntervalSeconds"`
	APIPrefix            string                 `koanf:"apiPrefix"`
	TTL                  CacheTTLConfig         `koanf:"ttl"`
	Redis                ServerRedisCacheConfig `koanf:"redis"`
	SQL                  CacheSQLConfig         `koanf:"sql"`
	Routes               map[string]RouteConfig `koanf:"routes"`
	RoutesFile           string                 `koanf:"routesFile"`
}

// CacheTTLConfig overrides the named TTL buckets. Empty values keep the built-in defaults.
type CacheTTLConfig struct {
	Short    string `koanf:"short"`
	Medium   string `koanf:"medium"`
	Long     string `koanf:"long"`
	VeryLong string `koanf:"veryLong"`
	Session  string `koanf:"session"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CacheSQLConfig points the sql cache backend at its own database. An empty DSN
// reuses the domain database settings.
type CacheSQLConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// RouteConfig describes one entry of the cacheable route table.
type RouteConfig struct {
	// TTL is a bucket name (short, medium, long, very_long, session) or a Go duration.
	TTL       string   `koanf:"ttl"`
	KeyPrefix string   `koanf:"keyPrefix"`
	Methods   []string `koanf:"methods"`
	// Scope is "tenant" (default) or "global".
	Scope  string `koanf:"scope"`
	Bypass string `koanf:"bypass"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Guard     GuardConfig     `koanf:"guard"`
}

type RateLimitConfig struct {
	Enabled       bool `koanf:"enabled"`
	Requests      int  `koanf:"requests"`
	WindowSeconds int  `koanf:"windowSeconds"`
}

type GuardConfig struct {
	Enabled                bool `koanf:"enabled"`
	MaxStrikes             int  `koanf:"maxStrikes"`
	BlockSeconds           int  `koanf:"blockSeconds"`
	CleanupIntervalSeconds int  `koanf:"cleanupIntervalSeconds"`
}

// SweepInterval converts the configured sweep period into a duration.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Auth.UserHeader) == "" {
		return errors.New("config: server.auth.userHeader required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Database.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: database.driver unsupported: %s", c.Database.Driver)
	}
	if c.Cache.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config: cache.sweepIntervalSeconds invalid: %d", c.Cache.SweepIntervalSeconds)
	}
	for name, value := range map[string]string{
		"short":    c.Cache.TTL.Short,
		"medium":   c.Cache.TTL.Medium,
		"long":     c.Cache.TTL.Long,
		"veryLong": c.Cache.TTL.VeryLong,
		"session":  c.Cache.TTL.Session,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("config: cache.ttl.%s invalid: %q", name, value)
		}
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory", "sql":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	for path, route := range c.Cache.Routes {
		if err := validateRoute(path, route); err != nil {
			return err
		}
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.Requests <= 0 {
			return fmt.Errorf("config: security.rateLimit.requests invalid: %d", c.Security.RateLimit.Requests)
		}
		if c.Security.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("config: security.rateLimit.windowSeconds invalid: %d", c.Security.RateLimit.WindowSeconds)
		}
	}
	if c.Security.Guard.Enabled && c.Security.Guard.MaxStrikes <= 0 {
		return fmt.Errorf("config: security.guard.maxStrikes invalid: %d", c.Security.Guard.MaxStrikes)
	}
	return nil
}

func validateRoute(path string, route RouteConfig) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("config: cache route %q must start with /", path)
	}
	switch strings.TrimSpace(strings.ToLower(route.Scope)) {
	case "", "tenant", "global":
	default:
		return fmt.Errorf("config: cache route %q scope unsupported: %s", path, route.Scope)
	}
	for i, method := range route.Methods {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("config: cache route %q methods[%d] empty", path, i)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values used when no file or env override is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Auth: AuthConfig{
				UserHeader: "X-User",
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "balcao.db",
		},
		Cache: CacheConfig{
			Backend:              "memory",
			Fallback:             true,
			SweepIntervalSeconds: 300,
			APIPrefix:            "/api/",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:       true,
				Requests:      300,
				WindowSeconds: 60,
			},
			Guard: GuardConfig{
				Enabled:                true,
				MaxStrikes:             5,
				BlockSeconds:           900,
				CleanupIntervalSeconds: 300,
			},
		},
	}
}

// DefaultRoutes is the cacheable route table applied when the configuration declares none.
func DefaultRoutes() map[string]RouteConfig {
	return map[string]RouteConfig{
		"/api/products":            {TTL: "short", Methods: []string{"GET"}, Scope: "tenant"},
		"/api/clients":             {TTL: "medium", Methods: []string{"GET"}, Scope: "tenant"},
		"/api/accounts":            {TTL: "short", Methods: []string{"GET"}, Scope: "tenant"},
		"/api/movements":           {TTL: "short", Methods: []string{"GET"}, Scope: "tenant"},
		"/api/users/me/stats":      {TTL: "short", Methods: []string{"GET"}, Scope: "tenant"},
		"/api/users/me/activities": {TTL: "short", Methods: []string{"GET"}, Scope: "tenant"},
	}
}
