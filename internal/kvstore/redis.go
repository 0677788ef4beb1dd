package kvstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

const scanBatch = 200

// Redis stores entries in a Redis-compatible server. Expiry is delegated to the
// server, so no sweep runs locally.
type Redis struct {
	client valkey.Client
}

// NewRedis connects and pings the server, failing when it does not answer within 5s.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("kvstore: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("kvstore: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("kvstore: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("kvstore: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: redis ping: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kvstore: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: redis get bytes: %w", err)
	}
	return payload, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	set := r.client.B().Set().Key(key).Value(valkey.BinaryString(value))
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = set.Px(ttl).Build()
	} else {
		cmd = set.Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("kvstore: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("kvstore: redis del: %w", err)
	}
	return nil
}

// DelPattern walks the keyspace with SCAN MATCH and deletes each batch. Keys
// written while the scan runs may survive.
func (r *Redis) DelPattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()
		entry, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("kvstore: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			n, err := r.client.Do(ctx, r.client.B().Del().Key(entry.Elements...).Build()).AsInt64()
			if err != nil {
				return removed, fmt.Errorf("kvstore: redis del batch: %w", err)
			}
			removed += n
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("kvstore: redis exists: %w", err)
	}
	return n > 0, nil
}

// incrScript increments KEYS[1] and, when that created the counter, sets its
// expiry to ARGV[1] milliseconds in the same server-side step.
var incrScript = valkey.NewLuaScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[1])
if n == 1 and ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`)

// Incr applies the expiry only when INCR created the counter.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ms := strconv.FormatInt(max(ttl.Milliseconds(), 0), 10)
	n, err := incrScript.Exec(ctx, r.client, []string{key}, []string{ms}).AsInt64()
	if err != nil {
		if isNotIntegerError(err) {
			return 0, ErrNotInteger
		}
		return 0, fmt.Errorf("kvstore: redis incr: %w", err)
	}
	return n, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := r.client.Do(ctx, r.client.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		return TTLMissing, fmt.Errorf("kvstore: redis pttl: %w", err)
	}
	switch ms {
	case -2:
		return TTLMissing, nil
	case -1:
		return TTLNoExpiry, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func (r *Redis) Flush(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("kvstore: redis flushdb: %w", err)
	}
	return nil
}

func (r *Redis) Size(ctx context.Context) (int64, error) {
	size, err := r.client.Do(ctx, r.client.B().Dbsize().Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("kvstore: redis dbsize: %w", err)
	}
	return size, nil
}

func (r *Redis) Close() error {
	r.client.Close()
	return nil
}

func isNotIntegerError(err error) bool {
	return strings.Contains(err.Error(), "not an integer")
}
