package proxy

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/blockparam"
	"ledgerrelay/internal/cache"
	"ledgerrelay/internal/fees"
	"ledgerrelay/internal/jsonrpc"
	"ledgerrelay/internal/policy"
	"ledgerrelay/internal/upstream"
)

// Transport names the inbound surface a call arrived on
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportWS   Transport = "ws"
)

// CallObserver counts inbound calls (metrics)
type CallObserver interface {
	ObserveCall(method, transport string)
}

// Deps are the shared components a Dispatcher routes calls through
type Deps struct {
	Policy    *policy.Resolver
	Fees      *fees.Estimator
	Admission *admission.Controller
	Cache     cache.Cache
	Pool      *upstream.Pool
	Executor  *Executor
	Observer  CallObserver
}

// Dispatcher runs one JSON-RPC call through admission, the response cache
// and the upstreams. It is shared by the HTTP and WebSocket handlers.
type Dispatcher struct {
	policy    *policy.Resolver
	fees      *fees.Estimator
	admission *admission.Controller
	cache     cache.Cache
	pool      *upstream.Pool
	executor  *Executor
	observer  CallObserver
	inflight  singleflight.Group
	logger    zerolog.Logger
}

// ticket is what admission granted to one call
type ticket struct {
	debit admission.Debit
	paid  bool
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(deps Deps, logger zerolog.Logger) *Dispatcher {
	c := deps.Cache
	if c == nil {
		c = cache.NewNoopCache()
	}
	return &Dispatcher{
		policy:    deps.Policy,
		fees:      deps.Fees,
		admission: deps.Admission,
		cache:     c,
		pool:      deps.Pool,
		executor:  deps.Executor,
		observer:  deps.Observer,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch serves a single call for identity
func (d *Dispatcher) Dispatch(ctx context.Context, identity string, transport Transport, req *jsonrpc.Request) *jsonrpc.Response {
	d.observe(req, transport)

	t, rpcErr := d.admit(identity, req)
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}

	resp, err := d.execute(ctx, req, t.paid)
	d.settle(t, req, resp, err)
	if err != nil {
		return upstreamFailure(req.ID)
	}
	return resp
}

// DispatchBatch serves a batch. Every element is admitted on its own.
// Admitted free cache misses go upstream together as one batch; paid
// elements are submitted one by one and never retried.
func (d *Dispatcher) DispatchBatch(ctx context.Context, identity string, transport Transport, requests []*jsonrpc.Request) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(requests))
	tickets := make([]ticket, len(requests))

	var pending, paid []int
	for i, req := range requests {
		d.observe(req, transport)

		t, rpcErr := d.admit(identity, req)
		if rpcErr != nil {
			responses[i] = jsonrpc.NewErrorResponse(req.ID, rpcErr)
			continue
		}
		tickets[i] = t

		if t.paid {
			paid = append(paid, i)
			continue
		}
		if resp, ok := d.fromCache(req); ok {
			responses[i] = resp
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		d.forwardBatch(ctx, requests, tickets, pending, responses)
	}
	for _, idx := range paid {
		req := requests[idx]
		resp, err := d.execute(ctx, req, true)
		d.settle(tickets[idx], req, resp, err)
		if err != nil {
			resp = upstreamFailure(req.ID)
		}
		responses[idx] = resp
	}
	return responses
}

// forwardBatch sends the pending elements upstream as one batch and fills in
// their responses
func (d *Dispatcher) forwardBatch(ctx context.Context, requests []*jsonrpc.Request, tickets []ticket, pending []int, responses []*jsonrpc.Response) {
	batch := make([]*jsonrpc.Request, len(pending))
	for j, idx := range pending {
		batch[j] = requests[idx]
	}

	results, err := d.executor.ExecuteBatch(ctx, batch, ExcludeLagging(d.pool, BatchRequestedBlock(batch)))
	if err == nil && len(results) != len(batch) {
		err = errors.New("upstream returned a short batch")
	}
	if err != nil {
		d.logger.Error().Err(err).Int("requests", len(batch)).Msg("batch request failed")
	}

	for j, idx := range pending {
		req := requests[idx]
		if err != nil {
			d.settle(tickets[idx], req, nil, err)
			responses[idx] = upstreamFailure(req.ID)
			continue
		}

		resp := matchResponse(results, j, req.ID)
		d.store(req, resp)
		d.settle(tickets[idx], req, resp, nil)
		responses[idx] = resp
	}
}

// admit prices the call and asks the admission controller for a slot
func (d *Dispatcher) admit(identity string, req *jsonrpc.Request) (ticket, *jsonrpc.Error) {
	assignment := d.policy.Resolve(identity)

	estimate, err := d.fees.Estimate(req.Method, req.Params)
	if err != nil {
		d.logger.Debug().Err(err).Str("identity", identity).Str("method", req.Method).Msg("rejected transaction")
		return ticket{}, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}

	decision, err := d.admission.TryAdmit(admission.Request{
		Identity: identity,
		Tier:     assignment.Tier,
		Class:    assignment.Class,
		Paid:     estimate.Paid,
		Cost:     estimate.Cost,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("identity", identity).Str("method", req.Method).Msg("admission contract violated")
		return ticket{}, jsonrpc.ErrInternal
	}

	if !decision.Admitted {
		retryAfterMs := decision.RetryAfter.Milliseconds()
		logEvent := d.logger.Warn().
			Str("identity", identity).
			Str("method", req.Method).
			Str("tier", assignment.Tier.String()).
			Str("reason", decision.Reason.String()).
			Int64("retryAfterMs", retryAfterMs)
		if decision.Reason == admission.RejectBudget {
			logEvent.Int64("cost", estimate.Cost).Str("class", assignment.Class.String()).Msg("budget exhausted")
			return ticket{}, jsonrpc.NewHbarRateLimitError(retryAfterMs)
		}
		logEvent.Msg("rate limit exceeded")
		return ticket{}, jsonrpc.NewIPRateLimitError(req.Method, retryAfterMs)
	}

	return ticket{debit: decision.Debit, paid: estimate.Paid}, nil
}

// execute serves the call from cache or an upstream. Concurrent misses on
// the same key share one upstream round trip.
func (d *Dispatcher) execute(ctx context.Context, req *jsonrpc.Request, paid bool) (*jsonrpc.Response, error) {
	if resp, ok := d.fromCache(req); ok {
		return resp, nil
	}

	cat, parts, cacheable := cache.Resolve(req.Method, req.Params)
	if !cacheable {
		return d.forward(ctx, req, paid)
	}

	key := cache.ComposeKey(cat, parts...)
	v, err, shared := d.inflight.Do(key, func() (interface{}, error) {
		resp, err := d.forward(ctx, req, false)
		if err != nil {
			return nil, err
		}
		d.store(req, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*jsonrpc.Response)
	if shared {
		d.logger.Debug().Str("method", req.Method).Str("cacheKey", key).Msg("coalesced upstream call")
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

// forward sends the call upstream. Paid calls are never retried so a
// transaction is submitted at most once.
func (d *Dispatcher) forward(ctx context.Context, req *jsonrpc.Request, paid bool) (*jsonrpc.Response, error) {
	var exclude map[string]bool
	if block, ok := blockparam.RequestedBlock(req.Method, req.Params); ok {
		exclude = ExcludeLagging(d.pool, block)
	}

	var (
		resp *jsonrpc.Response
		err  error
	)
	if paid {
		resp, err = d.executor.ExecuteOnce(ctx, req, exclude)
	} else {
		resp, err = d.executor.Execute(ctx, req, exclude)
	}
	if err != nil {
		d.logger.Error().Err(err).Str("method", req.Method).Msg("request failed")
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) fromCache(req *jsonrpc.Request) (*jsonrpc.Response, bool) {
	cat, parts, ok := cache.Resolve(req.Method, req.Params)
	if !ok {
		return nil, false
	}
	result, found := d.cache.Get(cat, parts...)
	if !found {
		return nil, false
	}
	d.logger.Debug().
		Str("method", req.Method).
		Str("category", string(cat)).
		Msg("cache hit")
	return jsonrpc.NewResponseRaw(req.ID, result), true
}

// store caches a successful non-null result
func (d *Dispatcher) store(req *jsonrpc.Request, resp *jsonrpc.Response) {
	if !resp.IsSuccess() || resp.ResultIsNull() {
		return
	}
	cat, parts, ok := cache.Resolve(req.Method, req.Params)
	if !ok {
		return
	}
	d.cache.Put(cat, resp.Result, parts...)
	d.logger.Debug().
		Str("method", req.Method).
		Str("category", string(cat)).
		Msg("cached response")
}

// settle refunds paid calls that did not go through and applies cache
// invalidations of calls that did
func (d *Dispatcher) settle(t ticket, req *jsonrpc.Request, resp *jsonrpc.Response, err error) {
	failed := err != nil || resp == nil || resp.HasError()

	if failed && t.paid && t.debit.Amount > 0 {
		if rerr := d.admission.Reverse(t.debit); rerr != nil {
			d.logger.Error().Err(rerr).Str("identity", t.debit.Identity).Msg("refund failed")
		}
	}
	if failed {
		return
	}

	for _, inv := range cache.InvalidationsFor(req.Method, req.Params) {
		n := d.cache.Invalidate(inv.Category, inv.Prefix...)
		d.logger.Debug().
			Str("method", req.Method).
			Str("category", string(inv.Category)).
			Int("removed", n).
			Msg("cache invalidated")
	}
}

func (d *Dispatcher) observe(req *jsonrpc.Request, transport Transport) {
	if d.observer != nil {
		d.observer.ObserveCall(req.Method, string(transport))
	}
}

// matchResponse finds the batch response for id. Upstreams may reorder a
// batch, so the position is only trusted when the id agrees.
func matchResponse(results []*jsonrpc.Response, pos int, id jsonrpc.ID) *jsonrpc.Response {
	want := idKey(id)
	if r := results[pos]; r != nil && idKey(r.ID) == want {
		return r
	}
	for _, r := range results {
		if r != nil && idKey(r.ID) == want {
			return r
		}
	}
	return upstreamFailure(id)
}

func idKey(id jsonrpc.ID) string {
	b, err := id.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

func upstreamFailure(id jsonrpc.ID) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInternalError, "all upstreams failed"))
}
