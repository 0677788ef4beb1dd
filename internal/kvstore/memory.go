package kvstore

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value []byte
	// zero means no expiry
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is the process-local backend. Expired entries are dropped lazily on
// access and by a background sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	sweeper *sweeper
}

// NewMemory starts a memory store whose sweep runs every sweepInterval
// (DefaultSweepInterval when <= 0).
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	m.sweeper = startSweeper(sweepInterval, func() { m.Sweep() })
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := m.now()
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if entry.expired(now) {
		m.mu.Lock()
		if current, ok := m.entries[key]; ok && current.expired(now) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return bytes.Clone(entry.value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DelPattern(_ context.Context, pattern string) (int64, error) {
	g, err := CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	now := m.now()
	var removed int64
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if !g.Match(key) {
			continue
		}
		delete(m.entries, key)
		if !entry.expired(now) {
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.expired(now) {
		entry = memoryEntry{value: []byte("1")}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
		m.entries[key] = entry
		return 1, nil
	}
	n, err := strconv.ParseInt(string(entry.value), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n++
	entry.value = []byte(strconv.FormatInt(n, 10))
	m.entries[key] = entry
	return n, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	now := m.now()
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	switch {
	case !ok || entry.expired(now):
		return TTLMissing, nil
	case entry.expiresAt.IsZero():
		return TTLNoExpiry, nil
	default:
		return entry.expiresAt.Sub(now), nil
	}
}

func (m *Memory) Flush(context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Size(context.Context) (int64, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var live int64
	for _, entry := range m.entries {
		if !entry.expired(now) {
			live++
		}
	}
	return live, nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// entryCount includes expired entries not yet swept.
func (m *Memory) entryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.sweeper.stop()
	return nil
}
