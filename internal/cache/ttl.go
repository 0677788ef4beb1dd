package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/balcao/internal/config"
)

// TTLs holds the named expiry buckets every cached artifact picks from.
type TTLs struct {
	Short    time.Duration
	Medium   time.Duration
	Long     time.Duration
	VeryLong time.Duration
	Session  time.Duration
}

// DefaultTTLs returns SHORT=60s MEDIUM=300s LONG=1800s VERY_LONG=3600s SESSION=86400s.
func DefaultTTLs() TTLs {
	return TTLs{
		Short:    60 * time.Second,
		Medium:   5 * time.Minute,
		Long:     30 * time.Minute,
		VeryLong: time.Hour,
		Session:  24 * time.Hour,
	}
}

// TTLsFromConfig applies the configured overrides on top of the defaults.
// Config.Validate has already rejected malformed durations.
func TTLsFromConfig(cfg config.CacheTTLConfig) TTLs {
	ttls := DefaultTTLs()
	override := func(dst *time.Duration, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			*dst = d
		}
	}
	override(&ttls.Short, cfg.Short)
	override(&ttls.Medium, cfg.Medium)
	override(&ttls.Long, cfg.Long)
	override(&ttls.VeryLong, cfg.VeryLong)
	override(&ttls.Session, cfg.Session)
	return ttls
}

// Lookup resolves a bucket name (short, medium, long, very_long, session), a Go
// duration ("90s") or a bare number of seconds. An empty name means medium.
func (t TTLs) Lookup(name string) (time.Duration, error) {
	t = t.withDefaults()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "medium":
		return t.Medium, nil
	case "short":
		return t.Short, nil
	case "long":
		return t.Long, nil
	case "very_long", "verylong", "very-long":
		return t.VeryLong, nil
	case "session":
		return t.Session, nil
	}
	trimmed := strings.TrimSpace(name)
	if secs, err := strconv.Atoi(trimmed); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("cache: unknown ttl %q", name)
	}
	return d, nil
}

func (t TTLs) withDefaults() TTLs {
	def := DefaultTTLs()
	if t.Short <= 0 {
		t.Short = def.Short
	}
	if t.Medium <= 0 {
		t.Medium = def.Medium
	}
	if t.Long <= 0 {
		t.Long = def.Long
	}
	if t.VeryLong <= 0 {
		t.VeryLong = def.VeryLong
	}
	if t.Session <= 0 {
		t.Session = def.Session
	}
	return t
}
