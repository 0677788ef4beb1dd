package security

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/balcao/internal/metrics"
)

var suspiciousPatterns = []struct {
	kind    string
	pattern *regexp.Regexp
}{
	{"sql_injection", regexp.MustCompile(`(?i)(\bunion\b[\s\S]*\bselect\b|\bor\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+|;\s*(drop|delete|truncate|alter)\s+\w+|'\s*(or|and)\s+'|\bsleep\s*\(|--\s*$)`)},
	{"xss", regexp.MustCompile(`(?i)(<\s*script|javascript:|\bon(error|load|click|mouseover)\s*=|<\s*iframe)`)},
	{"path_traversal", regexp.MustCompile(`(\.\./|\.\.\\|(?i)%2e%2e)`)},
}

// Detect reports the first attack signature found in the path or query.
func Detect(path, rawQuery string) (string, bool) {
	candidates := []string{path, rawQuery}
	if decoded, err := url.QueryUnescape(rawQuery); err == nil && decoded != rawQuery {
		candidates = append(candidates, decoded)
	}
	if decoded, err := url.PathUnescape(path); err == nil && decoded != path {
		candidates = append(candidates, decoded)
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for _, p := range suspiciousPatterns {
			if p.pattern.MatchString(c) {
				return p.kind, true
			}
		}
	}
	return "", false
}

type strikeRecord struct {
	count        int
	lastSeen     time.Time
	blockedUntil time.Time
}

// Tracker counts suspicious requests per IP and blocks an IP for blockFor once
// it reaches maxStrikes.
type Tracker struct {
	mu         sync.Mutex
	records    map[string]*strikeRecord
	maxStrikes int
	blockFor   time.Duration
	now        func() time.Time
}

func NewTracker(maxStrikes int, blockFor time.Duration) *Tracker {
	if maxStrikes <= 0 {
		maxStrikes = 5
	}
	if blockFor <= 0 {
		blockFor = 15 * time.Minute
	}
	return &Tracker{
		records:    make(map[string]*strikeRecord),
		maxStrikes: maxStrikes,
		blockFor:   blockFor,
		now:        time.Now,
	}
}

// Strike records one suspicious request and reports whether ip is now blocked.
func (t *Tracker) Strike(ip string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[ip]
	if !ok {
		rec = &strikeRecord{}
		t.records[ip] = rec
	}
	rec.count++
	rec.lastSeen = now
	if rec.count >= t.maxStrikes {
		rec.blockedUntil = now.Add(t.blockFor)
	}
	return now.Before(rec.blockedUntil)
}

// Blocked reports whether ip is blocked and for how much longer.
func (t *Tracker) Blocked(ip string) (bool, time.Duration) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[ip]
	if !ok || !now.Before(rec.blockedUntil) {
		return false, 0
	}
	return true, rec.blockedUntil.Sub(now)
}

// Cleanup forgets IPs whose block has lapsed and that have been quiet for
// blockFor. It returns how many records were removed.
func (t *Tracker) Cleanup() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for ip, rec := range t.records {
		if now.Before(rec.blockedUntil) || now.Sub(rec.lastSeen) < t.blockFor {
			continue
		}
		delete(t.records, ip)
		removed++
	}
	return removed
}

// Start runs Cleanup every interval until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}

// Reset forgets every IP.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.records = make(map[string]*strikeRecord)
	t.mu.Unlock()
}

// Len counts tracked IPs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Guard rejects requests carrying attack signatures and blocks repeat offenders.
type Guard struct {
	tracker *Tracker
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewGuard(tracker *Tracker, logger *slog.Logger, rec *metrics.Recorder) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		tracker: tracker,
		logger:  logger.With(slog.String("agent", "guard")),
		metrics: rec,
	}
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if blocked, remaining := g.tracker.Blocked(ip); blocked {
			g.metrics.ObserveGuard("blocked")
			w.Header().Set("Retry-After", strconv.FormatInt(int64(remaining/time.Second)+1, 10))
			writeError(w, http.StatusForbidden, "access temporarily blocked")
			return
		}
		if kind, found := Detect(r.URL.Path, r.URL.RawQuery); found {
			blocked := g.tracker.Strike(ip)
			g.metrics.ObserveGuard(kind)
			g.logger.Warn("suspicious request rejected",
				slog.String("ip", ip),
				slog.String("kind", kind),
				slog.String("path", r.URL.Path),
				slog.Bool("blocked", blocked),
			)
			writeError(w, http.StatusBadRequest, "request rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}
