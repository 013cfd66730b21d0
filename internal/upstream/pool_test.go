package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ledgerrelay/internal/jsonrpc"
)

// fakeNode answers eth_blockNumber with its current block and echoes
// everything else back as the method name
type fakeNode struct {
	block  atomic.Uint64
	status atomic.Int32
}

func newFakeNode(t *testing.T, block uint64) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := &fakeNode{}
	n.block.Store(block)
	n.status.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(n.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var result interface{} = req.Method
		if req.Method == "eth_blockNumber" {
			result = "0x" + formatHex(n.block.Load())
		}
		resp, _ := jsonrpc.NewResponse(req.ID, result)
		body, _ := resp.Bytes()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return n, srv
}

func formatHex(n uint64) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%16]
		n /= 16
	}
	return string(buf[i:])
}

type recordingObserver struct {
	mu     sync.Mutex
	calls  int
	errs   int
	states []int
}

func (o *recordingObserver) ObserveUpstream(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if err != nil {
		o.errs++
	}
}

func (o *recordingObserver) ObserveBreakerState(_ string, state int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func newTestUpstream(name, url string, role Role, breaker CircuitBreakerConfig, observer Observer) *Upstream {
	return NewUpstream(Config{
		Name:           name,
		RPCURL:         url,
		Weight:         1,
		Role:           role,
		RequestTimeout: 2 * time.Second,
		Breaker:        breaker,
		Observer:       observer,
		Logger:         zerolog.Nop(),
	})
}

func TestUpstream_Execute(t *testing.T) {
	_, srv := newFakeNode(t, 10)
	obs := &recordingObserver{}
	u := newTestUpstream("a", srv.URL, RoleMain, CircuitBreakerConfig{}, obs)

	req, err := jsonrpc.NewRequest("eth_chainId", nil, jsonrpc.NewIDInt(7))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := u.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(resp.Result) != `"eth_chainId"` {
		t.Errorf("Result = %s, want \"eth_chainId\"", resp.Result)
	}
	if got := u.SwapRequestCount(); got != 1 {
		t.Errorf("SwapRequestCount = %d, want 1", got)
	}
	if obs.calls != 1 || obs.errs != 0 {
		t.Errorf("observer calls=%d errs=%d, want 1 and 0", obs.calls, obs.errs)
	}
}

func TestUpstream_BreakerOpensOnHTTPErrors(t *testing.T) {
	node, srv := newFakeNode(t, 10)
	node.status.Store(http.StatusBadGateway)

	obs := &recordingObserver{}
	u := newTestUpstream("a", srv.URL, RoleMain, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	}, obs)

	req, _ := jsonrpc.NewRequest("eth_chainId", nil, jsonrpc.NewIDInt(1))
	for i := 0; i < 2; i++ {
		if _, err := u.Execute(context.Background(), req); err == nil {
			t.Fatal("Execute succeeded against a failing node")
		}
	}

	if u.IsHealthy() {
		t.Error("IsHealthy = true with an open breaker")
	}
	_, err := u.Execute(context.Background(), req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if len(obs.states) != 1 || obs.states[0] != int(BreakerOpen) {
		t.Errorf("breaker states = %v, want [%d]", obs.states, BreakerOpen)
	}
}

func TestPool_GetForRequestPrefersMain(t *testing.T) {
	_, mainSrv := newFakeNode(t, 10)
	_, fbSrv := newFakeNode(t, 10)

	main := newTestUpstream("main", mainSrv.URL, RoleMain, CircuitBreakerConfig{}, nil)
	fb := newTestUpstream("fallback", fbSrv.URL, RoleFallback, CircuitBreakerConfig{}, nil)
	pool := NewPoolFromUpstreams([]*Upstream{main, fb}, MonitorConfig{}, zerolog.Nop())

	got := pool.GetForRequest()
	if len(got) != 1 || got[0].Name() != "main" {
		t.Fatalf("GetForRequest = %v, want [main]", names(got))
	}

	main.SetHealthy(false)
	got = pool.GetForRequest()
	if len(got) != 1 || got[0].Name() != "fallback" {
		t.Fatalf("GetForRequest = %v, want [fallback]", names(got))
	}
	if pool.HealthyCount() != 1 {
		t.Errorf("HealthyCount = %d, want 1", pool.HealthyCount())
	}
}

func TestHealthMonitor_MarksLaggingUnhealthy(t *testing.T) {
	_, aheadSrv := newFakeNode(t, 100)
	behind, behindSrv := newFakeNode(t, 90)

	ahead := newTestUpstream("ahead", aheadSrv.URL, RoleMain, CircuitBreakerConfig{}, nil)
	lagging := newTestUpstream("behind", behindSrv.URL, RoleMain, CircuitBreakerConfig{}, nil)
	pool := NewPoolFromUpstreams([]*Upstream{ahead, lagging}, MonitorConfig{
		BlockLagThreshold: 3,
	}, zerolog.Nop())

	pool.Start()
	defer pool.Stop()

	if pool.MaxBlock() != 100 {
		t.Errorf("MaxBlock = %d, want 100", pool.MaxBlock())
	}
	if lagging.IsHealthy() {
		t.Error("lagging upstream still healthy")
	}
	if !ahead.IsHealthy() {
		t.Error("leading upstream unhealthy")
	}

	behind.block.Store(99)
	pool.monitor.pollAll()
	if !lagging.IsHealthy() {
		t.Error("caught up upstream still unhealthy")
	}
}

func TestHealthMonitor_PollFailureMarksUnhealthy(t *testing.T) {
	node, srv := newFakeNode(t, 5)
	u := newTestUpstream("a", srv.URL, RoleMain, CircuitBreakerConfig{}, nil)
	pool := NewPoolFromUpstreams([]*Upstream{u}, MonitorConfig{}, zerolog.Nop())

	node.status.Store(http.StatusInternalServerError)
	pool.monitor.pollAll()
	if u.IsHealthy() {
		t.Error("upstream healthy after failed poll")
	}

	node.status.Store(http.StatusOK)
	pool.monitor.pollAll()
	if !u.IsHealthy() {
		t.Error("upstream unhealthy after successful poll")
	}
}

func names(ups []*Upstream) []string {
	out := make([]string, len(ups))
	for i, u := range ups {
		out[i] = u.Name()
	}
	return out
}
