package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader layers defaults, then config files in order, then environment
// variables, each overriding the one before.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader reads files in the order given. Variables named
// <envPrefix>_SECTION__KEY override both; an empty prefix disables them.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultsMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := l.loadFiles(ctx, k); err != nil {
		return Config{}, err
	}
	if err := l.loadEnv(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(cfg.Cache.Routes) == 0 {
		cfg.Cache.Routes = DefaultRoutes()
	}
	cfg.InlineRoutes = MergeRoutes(nil, cfg.Cache.Routes)
	if cfg.Cache.RoutesFile != "" {
		fromFile, err := LoadRoutesFile(cfg.Cache.RoutesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Cache.Routes = MergeRoutes(cfg.Cache.Routes, fromFile)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) loadFiles(ctx context.Context, k *koanf.Koanf) error {
	for _, path := range l.files {
		if path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: file %s not found", path)
		} else if err != nil {
			return fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return fmt.Errorf("config: load file %s: %w", path, err)
		}
	}
	return nil
}

// loadEnv maps BALCAO_CACHE__REDIS__ADDRESS to cache.redis.address. Keys
// are matched case-insensitively against the ones already known, with or
// without single underscores, so BALCAO_CACHE__ROUTES_FILE lands on
// cache.routesFile. List values are comma separated.
func (l *Loader) loadEnv(k *koanf.Koanf) error {
	if l.envPrefix == "" {
		return nil
	}
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	lists := map[string]bool{"server.admin.users": true}

	prefix := l.envPrefix + "_"
	provider := env.ProviderWithValue(prefix, ".", func(name, value string) (string, any) {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix), "__", "."))
		if canonical, ok := known[key]; ok {
			key = canonical
		} else if canonical, ok := known[strings.ReplaceAll(key, "_", "")]; ok {
			key = canonical
		}
		if lists[strings.ToLower(key)] {
			var items []string
			for item := range strings.SplitSeq(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			return key, items
		}
		return key, value
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// routesDocument is the shape of a standalone routes file. Route paths
// contain dots, so the file is read with "|" as the key delimiter.
type routesDocument struct {
	Routes map[string]RouteConfig `koanf:"routes"`
}

// LoadRoutesFile reads a standalone cacheable route table (yaml, json or toml).
func LoadRoutesFile(path string) (map[string]RouteConfig, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New("|")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load routes file %s: %w", path, err)
	}
	var doc routesDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal routes file %s: %w", path, err)
	}
	for routePath, route := range doc.Routes {
		if err := validateRoute(routePath, route); err != nil {
			return nil, err
		}
	}
	return doc.Routes, nil
}

// MergeRoutes returns a new table holding base with overlay entries on top.
func MergeRoutes(base, overlay map[string]RouteConfig) map[string]RouteConfig {
	out := make(map[string]RouteConfig, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

// defaultsMap flattens cfg into dotted keys. Every overridable leaf must
// appear here for environment lookups to find its canonical spelling.
func defaultsMap(cfg Config) map[string]any {
	return map[string]any{
		"server.listen.address":  cfg.Server.Listen.Address,
		"server.listen.port":     cfg.Server.Listen.Port,
		"server.logging.level":   cfg.Server.Logging.Level,
		"server.logging.format":  cfg.Server.Logging.Format,
		"server.auth.userHeader": cfg.Server.Auth.UserHeader,
		"server.admin.users":     cfg.Server.Admin.Users,

		"database.driver": cfg.Database.Driver,
		"database.dsn":    cfg.Database.DSN,

		"cache.backend":              cfg.Cache.Backend,
		"cache.fallback":             cfg.Cache.Fallback,
		"cache.sweepIntervalSeconds": cfg.Cache.SweepIntervalSeconds,
		"cache.apiPrefix":            cfg.Cache.APIPrefix,
		"cache.routesFile":           cfg.Cache.RoutesFile,
		"cache.ttl.short":            cfg.Cache.TTL.Short,
		"cache.ttl.medium":           cfg.Cache.TTL.Medium,
		"cache.ttl.long":             cfg.Cache.TTL.Long,
		"cache.ttl.veryLong":         cfg.Cache.TTL.VeryLong,
		"cache.ttl.session":          cfg.Cache.TTL.Session,
		"cache.redis.address":        cfg.Cache.Redis.Address,
		"cache.redis.username":       cfg.Cache.Redis.Username,
		"cache.redis.password":       cfg.Cache.Redis.Password,
		"cache.redis.db":             cfg.Cache.Redis.DB,
		"cache.redis.tls.enabled":    cfg.Cache.Redis.TLS.Enabled,
		"cache.redis.tls.caFile":     cfg.Cache.Redis.TLS.CAFile,
		"cache.sql.driver":           cfg.Cache.SQL.Driver,
		"cache.sql.dsn":              cfg.Cache.SQL.DSN,

		"security.rateLimit.enabled":            cfg.Security.RateLimit.Enabled,
		"security.rateLimit.requests":           cfg.Security.RateLimit.Requests,
		"security.rateLimit.windowSeconds":      cfg.Security.RateLimit.WindowSeconds,
		"security.guard.enabled":                cfg.Security.Guard.Enabled,
		"security.guard.maxStrikes":             cfg.Security.Guard.MaxStrikes,
		"security.guard.blockSeconds":           cfg.Security.Guard.BlockSeconds,
		"security.guard.cleanupIntervalSeconds": cfg.Security.Guard.CleanupIntervalSeconds,
	}
}
