package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/cache"
)

func TestCollector_ObserveDecision(t *testing.T) {
	c := New()

	c.ObserveDecision(
		admission.Request{Identity: "a", Tier: admission.Tier1, Class: admission.Basic, Paid: true, Cost: 500},
		admission.Decision{Admitted: true},
	)
	c.ObserveDecision(
		admission.Request{Identity: "a", Tier: admission.Tier1},
		admission.Decision{Reason: admission.RejectRateLimit},
	)

	if got := testutil.ToFloat64(c.admissions.WithLabelValues("tier1", "admitted")); got != 1 {
		t.Errorf("admitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.admissions.WithLabelValues("tier1", "RateLimitExceeded")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.spentTinybars.WithLabelValues("basic")); got != 500 {
		t.Errorf("spent = %v, want 500", got)
	}

	c.ObserveRefund(admission.Basic, 200)
	if got := testutil.ToFloat64(c.refundedTinybars.WithLabelValues("basic")); got != 200 {
		t.Errorf("refunded = %v, want 200", got)
	}
}

func TestCollector_CacheHooks(t *testing.T) {
	c := New()
	store, err := cache.New(cache.Options{MaxEntries: 1, Hooks: c.CacheHooks()})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	store.Get(cache.CategoryCall, "x")
	store.Put(cache.CategoryCall, []byte("1"), "x")
	store.Get(cache.CategoryCall, "x")
	store.Put(cache.CategoryCall, []byte("2"), "y")

	cat := string(cache.CategoryCall)
	for event, want := range map[string]float64{"miss": 1, "hit": 1, "store": 2, "evict": 1} {
		if got := testutil.ToFloat64(c.cacheEvents.WithLabelValues(cat, event)); got != want {
			t.Errorf("%s = %v, want %v", event, got, want)
		}
	}
}

func TestCollector_Upstream(t *testing.T) {
	c := New()
	c.ObserveUpstream("mirror", 20*time.Millisecond, nil)
	c.ObserveUpstream("mirror", time.Second, errors.New("timeout"))
	c.ObserveBreakerState("mirror", 2)

	if got := testutil.ToFloat64(c.upstreamRequests.WithLabelValues("mirror", "error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.breakerState.WithLabelValues("mirror")); got != 2 {
		t.Errorf("breaker = %v, want 2", got)
	}
}

func TestCollector_HandlerExposesGauges(t *testing.T) {
	c := New()
	ctrl, err := admission.New(admission.DefaultLimits(), zerolog.Nop())
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	c.RemainingTotalGauge(ctrl)
	c.LimitsInfo(ctrl.Limits())
	c.ObserveCall("eth_chainId", "http")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"ledgerrelay_budget_total_remaining_tinybars 8e+11",
		`ledgerrelay_admission_limits_info{tier1="100",tier2="800",tier3="1600",window_ms="60000"} 1`,
		`ledgerrelay_rpc_requests_total{method="eth_chainId",transport="http"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
