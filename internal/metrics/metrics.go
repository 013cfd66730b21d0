package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/cache"
)

const namespace = "ledgerrelay"

// Collector owns the relay's Prometheus metrics. Each Collector has its own
// registry so several can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	admissions       *prometheus.CounterVec
	spentTinybars    *prometheus.CounterVec
	refundedTinybars *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	rpcRequests      *prometheus.CounterVec
}

// New creates a Collector with process and Go runtime collectors registered
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		spentTinybars: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_debited_tinybars_total",
				Help:      "Tinybars debited from spend budgets by class",
			},
			[]string{"class"},
		),
		refundedTinybars: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_refunded_tinybars_total",
				Help:      "Tinybars re-credited to spend budgets by class",
			},
			[]string{"class"},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_events_total",
				Help:      "Response cache events by category",
			},
			[]string{"category", "event"},
		),
		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Requests sent to upstreams by outcome",
			},
			[]string{"upstream", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Upstream request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"upstream"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per upstream (0=closed, 1=half-open, 2=open)",
			},
			[]string{"upstream"},
		),
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "Inbound JSON-RPC calls by method and transport",
			},
			[]string{"method", "transport"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.admissions,
		c.spentTinybars,
		c.refundedTinybars,
		c.cacheEvents,
		c.upstreamRequests,
		c.upstreamDuration,
		c.breakerState,
		c.rpcRequests,
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveDecision implements admission.Observer
func (c *Collector) ObserveDecision(req admission.Request, d admission.Decision) {
	outcome := "admitted"
	if !d.Admitted {
		outcome = d.Reason.String()
	}
	c.admissions.WithLabelValues(req.Tier.String(), outcome).Inc()
	if d.Admitted && req.Paid && req.Cost > 0 {
		c.spentTinybars.WithLabelValues(req.Class.String()).Add(float64(req.Cost))
	}
}

// ObserveRefund implements admission.Observer
func (c *Collector) ObserveRefund(class admission.BudgetClass, amount int64) {
	c.refundedTinybars.WithLabelValues(class.String()).Add(float64(amount))
}

// CacheHooks returns hooks that count cache events
func (c *Collector) CacheHooks() cache.Hooks {
	return cache.Hooks{
		OnHit: func(cat cache.Category) {
			c.cacheEvents.WithLabelValues(string(cat), "hit").Inc()
		},
		OnMiss: func(cat cache.Category) {
			c.cacheEvents.WithLabelValues(string(cat), "miss").Inc()
		},
		OnStore: func(cat cache.Category) {
			c.cacheEvents.WithLabelValues(string(cat), "store").Inc()
		},
		OnEvict: func(cat cache.Category, expired bool) {
			event := "evict"
			if expired {
				event = "expire"
			}
			c.cacheEvents.WithLabelValues(string(cat), event).Inc()
		},
	}
}

// ObserveUpstream records one upstream round trip
func (c *Collector) ObserveUpstream(upstream string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.upstreamRequests.WithLabelValues(upstream, outcome).Inc()
	c.upstreamDuration.WithLabelValues(upstream).Observe(took.Seconds())
}

// ObserveBreakerState records a circuit breaker transition
func (c *Collector) ObserveBreakerState(upstream string, state int) {
	c.breakerState.WithLabelValues(upstream).Set(float64(state))
}

// ObserveCall counts an inbound JSON-RPC call
func (c *Collector) ObserveCall(method, transport string) {
	c.rpcRequests.WithLabelValues(method, transport).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

// RemainingTotalGauge exposes the process-wide budget left in the window
func (c *Collector) RemainingTotalGauge(ctrl *admission.Controller) {
	c.GaugeFunc("budget_total_remaining_tinybars", "Process-wide HBAR budget left in the current window", func() float64 {
		return float64(ctrl.TotalRemaining())
	})
}

// LimitsInfo publishes the configured ceilings as labels of a constant gauge
func (c *Collector) LimitsInfo(l admission.Limits) {
	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_limits_info",
			Help:      "Configured admission ceilings",
		},
		[]string{"tier1", "tier2", "tier3", "window_ms"},
	)
	c.registry.MustRegister(info)
	info.WithLabelValues(
		strconv.Itoa(l.Tier1),
		strconv.Itoa(l.Tier2),
		strconv.Itoa(l.Tier3),
		strconv.FormatInt(l.RequestWindow.Milliseconds(), 10),
	).Set(1)
}
