package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsRequestsRetriesAndCache(t *testing.T) {
	var calls atomic.Int32
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, okBody)
	}, WithMetrics(metrics))

	ctx := context.Background()
	if _, err := client.Get(ctx, "devices", "list", RequestConfig{Cache: true}); err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	if _, err := client.Get(ctx, "devices", "list", RequestConfig{Cache: true}); err != nil {
		t.Fatalf("Second request failed: %v", err)
	}

	if got := testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("devices", "GET", "success")); got != 2 {
		t.Errorf("Expected 2 successful requests, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.retriesTotal.WithLabelValues("devices")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.cacheMisses.WithLabelValues("devices")); got != 1 {
		t.Errorf("Expected 1 cache miss, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.cacheHits.WithLabelValues("devices")); got != 1 {
		t.Errorf("Expected 1 cache hit, got %v", got)
	}
	if n := testutil.CollectAndCount(metrics.requestDuration); n != 1 {
		t.Errorf("Expected 1 duration series, got %d", n)
	}
}

func TestMetrics_OutcomeLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, WithMetrics(metrics))

	client.Get(context.Background(), "devices", "missing", RequestConfig{})

	if got := testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("devices", "GET", "error")); got != 1 {
		t.Errorf("Expected 1 failed request, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.recordRequest("devices", "GET", nil)
	m.recordAttempt("devices", "GET", 0)
	m.recordRetry("devices")
	m.recordCache("devices", true)
	m.recordDedup("devices")
}
