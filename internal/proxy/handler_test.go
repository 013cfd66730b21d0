package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/cache"
	"ledgerrelay/internal/config"
	"ledgerrelay/internal/fees"
	"ledgerrelay/internal/jsonrpc"
	"ledgerrelay/internal/policy"
	"ledgerrelay/internal/upstream"
)

// fakeNode is a scripted JSON-RPC upstream. reply maps a method to its
// result; methods listed in fail answer with a JSON-RPC error.
type fakeNode struct {
	mu      sync.Mutex
	calls   map[string]int
	reply   map[string]interface{}
	fail    map[string]bool
	failMsg string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		calls: make(map[string]int),
		reply: map[string]interface{}{
			"eth_blockNumber":        "0x10",
			"eth_chainId":            "0x127",
			"eth_sendRawTransaction": "0xabc",
			"eth_uninstallFilter":    true,
		},
		fail:    make(map[string]bool),
		failMsg: "execution reverted",
	}
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) setFail(method string, fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[method] = fail
}

func (n *fakeNode) answer(req *jsonrpc.Request) *jsonrpc.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++
	if n.fail[req.Method] {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(-32000, n.failMsg))
	}
	resp, _ := jsonrpc.NewResponse(req.ID, n.reply[req.Method])
	return resp
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	_, _ = body.ReadFrom(r.Body)

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body.Bytes())
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !isBatch {
		data, _ := n.answer(requests[0]).Bytes()
		_, _ = w.Write(data)
		return
	}
	responses := make([]*jsonrpc.Response, len(requests))
	for i, req := range requests {
		responses[i] = n.answer(req)
	}
	data, _ := jsonrpc.MarshalBatchResponse(responses)
	_, _ = w.Write(data)
}

type relay struct {
	handler    *Handler
	node       *fakeNode
	nodes      []*fakeNode
	store      *cache.Store
	controller *admission.Controller
}

func newRelay(t *testing.T, limits admission.Limits, policyCfg config.PolicyConfig) *relay {
	t.Helper()
	return newRelayWithNodes(t, limits, policyCfg, 1)
}

// newRelayWithNodes fronts n main upstreams; node-0 is the first one picked
func newRelayWithNodes(t *testing.T, limits admission.Limits, policyCfg config.PolicyConfig, n int) *relay {
	t.Helper()
	logger := zerolog.Nop()

	nodes := make([]*fakeNode, n)
	ups := make([]*upstream.Upstream, n)
	for i := range nodes {
		nodes[i] = newFakeNode()
		srv := httptest.NewServer(nodes[i])
		t.Cleanup(srv.Close)

		ups[i] = upstream.NewUpstream(upstream.Config{
			Name:           fmt.Sprintf("node-%d", i),
			RPCURL:         srv.URL,
			Weight:         1,
			Role:           upstream.RoleMain,
			RequestTimeout: 2 * time.Second,
			Logger:         logger,
		})
	}
	pool := upstream.NewPoolFromUpstreams(ups, upstream.MonitorConfig{}, logger)

	controller, err := admission.New(limits, logger)
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	store, err := cache.New(cache.Options{MaxEntries: 100})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	resolver, err := policy.NewResolver(policyCfg)
	if err != nil {
		t.Fatalf("policy.NewResolver: %v", err)
	}
	estimator, err := fees.NewEstimator(config.HbarLimitConfig{
		CentEquivalent:              12,
		HbarEquivalent:              1,
		SendRawTransactionSizeLimit: 1024,
	})
	if err != nil {
		t.Fatalf("fees.NewEstimator: %v", err)
	}

	dispatcher := NewDispatcher(Deps{
		Policy:    resolver,
		Fees:      estimator,
		Admission: controller,
		Cache:     store,
		Pool:      pool,
		Executor:  NewPoolExecutor(pool, RetryConfig{Enabled: true, MaxAttempts: 2}, logger),
	}, logger)

	return &relay{
		handler:    NewHandler(dispatcher, 1<<20, logger),
		node:       nodes[0],
		nodes:      nodes,
		store:      store,
		controller: controller,
	}
}

func (r *relay) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func (r *relay) call(t *testing.T, method, params string, headers map[string]string) *jsonrpc.Response {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	body += "}"

	rec := r.post(t, body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp, err := jsonrpc.ParseResponse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	return resp
}

func testLimits() admission.Limits {
	l := admission.DefaultLimits()
	l.Tier1 = 5
	return l
}

// a minimal raw transaction priced at TransactionGetRecordCents
const smallTx = `["0x02f86c"]`

func TestHandler_ServesRepeatedCallFromCache(t *testing.T) {
	r := newRelay(t, testLimits(), config.PolicyConfig{})

	first := r.call(t, "eth_blockNumber", "", nil)
	second := r.call(t, "eth_blockNumber", "", nil)

	if string(first.Result) != `"0x10"` || string(second.Result) != `"0x10"` {
		t.Errorf("results = %s, %s, want \"0x10\"", first.Result, second.Result)
	}
	if got := r.node.callCount("eth_blockNumber"); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if second.ID.Value() != float64(1) {
		t.Errorf("cached response id = %v, want 1", second.ID.Value())
	}
}

func TestHandler_RateLimitRejection(t *testing.T) {
	limits := testLimits()
	limits.Tier1 = 2
	r := newRelay(t, limits, config.PolicyConfig{})

	for i := 0; i < 2; i++ {
		if resp := r.call(t, "eth_chainId", "", nil); resp.HasError() {
			t.Fatalf("call %d rejected: %v", i, resp.Error)
		}
	}

	resp := r.call(t, "eth_chainId", "", nil)
	if !resp.HasError() || resp.Error.Code != jsonrpc.CodeIPRateLimit {
		t.Fatalf("error = %+v, want code %d", resp.Error, jsonrpc.CodeIPRateLimit)
	}
	if resp.Error.Message != "IP Rate limit exceeded on eth_chainId" {
		t.Errorf("message = %q", resp.Error.Message)
	}
	var hint jsonrpc.RetryHint
	if err := json.Unmarshal(resp.Error.Data, &hint); err != nil || hint.RetryAfterMs <= 0 {
		t.Errorf("retry hint = %s (%v), want positive retryAfterMs", resp.Error.Data, err)
	}

	// a different identity has its own window
	other := r.call(t, "eth_chainId", "", map[string]string{APIKeyHeader: "key-1"})
	if other.HasError() {
		t.Errorf("other identity rejected: %v", other.Error)
	}
}

func TestHandler_RefundsFailedPaidCall(t *testing.T) {
	limits := testLimits()
	limits.Basic = 83334 // exactly one small transaction
	r := newRelay(t, limits, config.PolicyConfig{})

	r.node.setFail("eth_sendRawTransaction", true)
	resp := r.call(t, "eth_sendRawTransaction", smallTx, nil)
	if !resp.HasError() || resp.Error.Code != -32000 {
		t.Fatalf("error = %+v, want the upstream error", resp.Error)
	}

	r.node.setFail("eth_sendRawTransaction", false)
	resp = r.call(t, "eth_sendRawTransaction", smallTx, nil)
	if resp.HasError() {
		t.Fatalf("paid call rejected after refund: %v", resp.Error)
	}

	resp = r.call(t, "eth_sendRawTransaction", smallTx, nil)
	if !resp.HasError() || resp.Error.Code != jsonrpc.CodeHbarRateLimit {
		t.Fatalf("error = %+v, want code %d", resp.Error, jsonrpc.CodeHbarRateLimit)
	}
	if got := r.node.callCount("eth_sendRawTransaction"); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestHandler_PrivilegedIdentityUsesOwnBudget(t *testing.T) {
	limits := testLimits()
	limits.Basic = 0
	r := newRelay(t, limits, config.PolicyConfig{Privileged: []string{"10.0.0.0/8"}})

	resp := r.call(t, "eth_sendRawTransaction", smallTx, nil)
	if resp.HasError() {
		t.Fatalf("privileged call rejected: %v", resp.Error)
	}
	usage, ok := r.controller.Snapshot("10.0.0.1")
	if !ok || usage.Spent[admission.Privileged] != 83334 {
		t.Errorf("privileged spend = %v, want 83334", usage.Spent)
	}
}

func TestHandler_OversizeTransaction(t *testing.T) {
	r := newRelay(t, testLimits(), config.PolicyConfig{})

	tx := `["0x` + strings.Repeat("ab", 1025) + `"]`
	resp := r.call(t, "eth_sendRawTransaction", tx, nil)
	if !resp.HasError() || resp.Error.Code != jsonrpc.CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, jsonrpc.CodeInvalidParams)
	}
	if r.node.callCount("eth_sendRawTransaction") != 0 {
		t.Error("oversize transaction reached the upstream")
	}
	if usage, ok := r.controller.Snapshot("10.0.0.1"); ok && usage.Requests != 0 {
		t.Errorf("requests counted = %d, want 0", usage.Requests)
	}
}

func TestHandler_Batch(t *testing.T) {
	limits := testLimits()
	limits.Tier1 = 2
	r := newRelay(t, limits, config.PolicyConfig{})

	body := `[
		{"jsonrpc":"2.0","id":"a","method":"eth_blockNumber"},
		{"jsonrpc":"2.0","id":"b","method":"eth_chainId"},
		{"jsonrpc":"2.0","id":"c","method":"eth_chainId"}
	]`
	rec := r.post(t, body, nil)

	var responses []*jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &responses); err != nil {
		t.Fatalf("decode batch: %v, body %s", err, rec.Body.String())
	}
	if len(responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(responses))
	}
	if responses[0].ID.Value() != "a" || string(responses[0].Result) != `"0x10"` {
		t.Errorf("responses[0] = %+v", responses[0])
	}
	if responses[1].ID.Value() != "b" || string(responses[1].Result) != `"0x127"` {
		t.Errorf("responses[1] = %+v", responses[1])
	}
	if !responses[2].HasError() || responses[2].Error.Code != jsonrpc.CodeIPRateLimit {
		t.Errorf("responses[2] = %+v, want rate limit error", responses[2])
	}

	if _, ok := r.store.Get(cache.CategoryBlockNumber); !ok {
		t.Error("batch result was not cached")
	}
}

func TestHandler_BatchSubmitsPaidCallOnce(t *testing.T) {
	r := newRelayWithNodes(t, testLimits(), config.PolicyConfig{}, 2)
	for _, n := range r.nodes {
		n.reply["eth_getBalance"] = "0x1"
	}
	r.nodes[0].failMsg = "header not found"
	r.nodes[0].setFail("eth_getBalance", true)

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"eth_sendRawTransaction","params":` + smallTx + `},
		{"jsonrpc":"2.0","id":2,"method":"eth_getBalance","params":["0xabc","latest"]}
	]`
	rec := r.post(t, body, nil)

	var responses []*jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &responses); err != nil {
		t.Fatalf("decode batch: %v, body %s", err, rec.Body.String())
	}
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	if responses[0].HasError() || string(responses[0].Result) != `"0xabc"` {
		t.Errorf("responses[0] = %+v", responses[0])
	}
	if responses[1].HasError() || string(responses[1].Result) != `"0x1"` {
		t.Errorf("responses[1] = %+v, want the retried balance", responses[1])
	}

	submissions := 0
	for _, n := range r.nodes {
		submissions += n.callCount("eth_sendRawTransaction")
	}
	if submissions != 1 {
		t.Errorf("eth_sendRawTransaction submissions = %d, want 1", submissions)
	}
	usage, ok := r.controller.Snapshot("10.0.0.1")
	if !ok || usage.Spent[admission.Basic] != 83334 {
		t.Errorf("basic spend = %v, want 83334", usage.Spent)
	}
}

func TestHandler_UninstallFilterInvalidatesCache(t *testing.T) {
	r := newRelay(t, testLimits(), config.PolicyConfig{})
	r.store.Put(cache.CategoryFilter, []byte(`[]`), "0x1")
	r.store.Put(cache.CategoryFilter, []byte(`[]`), "0x2")

	resp := r.call(t, "eth_uninstallFilter", `["0x1"]`, nil)
	if resp.HasError() {
		t.Fatalf("uninstall failed: %v", resp.Error)
	}
	if _, ok := r.store.Get(cache.CategoryFilter, "0x1"); ok {
		t.Error("filter 0x1 still cached")
	}
	if _, ok := r.store.Get(cache.CategoryFilter, "0x2"); !ok {
		t.Error("filter 0x2 was dropped")
	}
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	r := newRelay(t, testLimits(), config.PolicyConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "malformed json", body: `{"jsonrpc":`, code: jsonrpc.CodeParseError},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"eth_chainId"}`, code: jsonrpc.CodeInvalidRequest},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":1}`, code: jsonrpc.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := jsonrpc.ParseResponse(r.post(t, tt.body, nil).Body.Bytes())
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if !resp.HasError() || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.7:1234", want: "192.0.2.7"},
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, remote: "10.0.0.1:1", want: "203.0.113.5"},
		{name: "api key wins", headers: map[string]string{APIKeyHeader: "k1", "X-Forwarded-For": "203.0.113.5"}, remote: "10.0.0.1:1", want: "k1"},
		{name: "no port", remote: "192.0.2.8", want: "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIdentity(req); got != tt.want {
				t.Errorf("ClientIdentity = %q, want %q", got, tt.want)
			}
		})
	}
}
