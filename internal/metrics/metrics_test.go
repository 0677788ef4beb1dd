package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("/api/products", "GET", 200, 250*time.Millisecond)

	families := gather(t, rec, "balcao_http_requests_total", "balcao_http_request_duration_seconds")

	counter := findMetric(t, families["balcao_http_requests_total"], map[string]string{
		"route":       "/api/products",
		"method":      "GET",
		"status_code": "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for http requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["balcao_http_request_duration_seconds"], map[string]string{
		"route":  "/api/products",
		"method": "GET",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for request latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveStoreOps(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveStoreOp("memory", "get", StoreResultHit, 10*time.Millisecond)
	rec.ObserveStoreOp("memory", "set", StoreResultOK, 5*time.Millisecond)
	rec.ObserveStoreOp("", "get", "", time.Millisecond)

	families := gather(t, rec, "balcao_cache_operations_total", "balcao_cache_operation_duration_seconds")

	getMetric := findMetric(t, families["balcao_cache_operations_total"], map[string]string{
		"backend":   "memory",
		"operation": "get",
		"result":    string(StoreResultHit),
	})
	if got := getMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected get counter 1, got %v", got)
	}

	unknown := findMetric(t, families["balcao_cache_operations_total"], map[string]string{
		"backend": "unknown",
		"result":  string(StoreResultError),
	})
	if got := unknown.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected normalized counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["balcao_cache_operation_duration_seconds"], map[string]string{
		"backend":   "memory",
		"operation": "set",
		"result":    string(StoreResultOK),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for set latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheLayerCounters(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveInterception("/api/products", InterceptionHit)
	rec.ObserveInterception("/api/products", InterceptionHit)
	rec.ObserveInvalidation("product", false)
	rec.ObserveGuard("rate_limited")

	families := gather(t, rec,
		"balcao_httpcache_interceptions_total",
		"balcao_cache_invalidations_total",
		"balcao_security_actions_total",
	)

	hits := findMetric(t, families["balcao_httpcache_interceptions_total"], map[string]string{
		"route":  "/api/products",
		"result": "hit",
	})
	if got := hits.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	failed := findMetric(t, families["balcao_cache_invalidations_total"], map[string]string{
		"entity": "product",
		"result": "error",
	})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 failed invalidation, got %v", got)
	}
	limited := findMetric(t, families["balcao_security_actions_total"], map[string]string{"action": "rate_limited"})
	if got := limited.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 rate limit action, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("/", "GET", 200, time.Millisecond)
	rec.ObserveStoreOp("memory", "get", StoreResultHit, time.Millisecond)
	rec.ObserveInterception("/", InterceptionMiss)
	rec.ObserveInvalidation("product", true)
	rec.ObserveGuard("blocked")

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
