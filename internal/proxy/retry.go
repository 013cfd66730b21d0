package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ledgerrelay/internal/balancer"
	"ledgerrelay/internal/blockparam"
	"ledgerrelay/internal/jsonrpc"
	"ledgerrelay/internal/upstream"
)

// ErrAllUpstreamsFailed is returned when all upstreams fail
var ErrAllUpstreamsFailed = errors.New("all upstreams failed")

// ErrNoUpstreamsAvailable is returned when no upstreams are available
var ErrNoUpstreamsAvailable = errors.New("no upstreams available")

// RetryConfig holds retry configuration
type RetryConfig struct {
	Enabled     bool
	MaxAttempts int
}

// Executor sends calls to upstreams picked by a balancer, moving on to the
// next upstream when one fails
type Executor struct {
	balancer balancer.Selector
	pool     *upstream.Pool
	config   RetryConfig
	logger   zerolog.Logger
}

// NewExecutor creates a new Executor
func NewExecutor(b balancer.Selector, pool *upstream.Pool, cfg RetryConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		balancer: b,
		pool:     pool,
		config:   cfg,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// NewPoolExecutor creates an Executor balancing over pool with weighted round-robin
func NewPoolExecutor(pool *upstream.Pool, cfg RetryConfig, logger zerolog.Logger) *Executor {
	return NewExecutor(balancer.NewWeightedRoundRobin(pool), pool, cfg, logger)
}

// Execute sends a request, trying main upstreams first and then fallbacks.
// A JSON-RPC error the upstream deems final is returned as a response, not
// retried. exclude pre-excludes upstreams, e.g. ones behind the requested block.
func (e *Executor) Execute(ctx context.Context, req *jsonrpc.Request, exclude map[string]bool) (*jsonrpc.Response, error) {
	resp, err := run(e, ctx, exclude, e.attempts(), req.Method,
		func(u *upstream.Upstream) (*jsonrpc.Response, error) {
			return u.Execute(ctx, req)
		},
		func(resp *jsonrpc.Response) bool {
			return resp.HasError() && resp.IsRetryableError()
		},
	)
	// the last upstream answered with an error; pass it through
	var rpcErr *retryableResult[*jsonrpc.Response]
	if errors.As(err, &rpcErr) {
		return rpcErr.last, nil
	}
	return resp, err
}

// ExecuteOnce sends the request to a single upstream without retrying, for
// calls that must not be submitted twice
func (e *Executor) ExecuteOnce(ctx context.Context, req *jsonrpc.Request, exclude map[string]bool) (*jsonrpc.Response, error) {
	return run(e, ctx, exclude, 1, req.Method,
		func(u *upstream.Upstream) (*jsonrpc.Response, error) {
			return u.Execute(ctx, req)
		},
		func(*jsonrpc.Response) bool { return false },
	)
}

// ExecuteBatch sends a batch to one upstream at a time. The batch is retried
// elsewhere while any element carries a retryable error.
func (e *Executor) ExecuteBatch(ctx context.Context, requests []*jsonrpc.Request, exclude map[string]bool) ([]*jsonrpc.Response, error) {
	responses, err := run(e, ctx, exclude, e.attempts(), "batch",
		func(u *upstream.Upstream) ([]*jsonrpc.Response, error) {
			return u.ExecuteBatch(ctx, requests)
		},
		func(responses []*jsonrpc.Response) bool {
			for _, resp := range responses {
				if resp != nil && resp.HasError() && resp.IsRetryableError() {
					return true
				}
			}
			return false
		},
	)
	var partial *retryableResult[[]*jsonrpc.Response]
	if errors.As(err, &partial) {
		return partial.last, nil
	}
	return responses, err
}

func (e *Executor) attempts() int {
	if !e.config.Enabled || e.config.MaxAttempts <= 0 {
		return 1
	}
	return e.config.MaxAttempts
}

// retryableResult carries the last JSON-RPC answer when no attempt
// succeeded; an answer beats a transport error
type retryableResult[T any] struct {
	last T
}

func (r *retryableResult[T]) Error() string { return "upstream kept returning retryable errors" }

// run is the attempt loop shared by single and batch calls. Every attempt
// goes to a different upstream.
func run[T any](
	e *Executor,
	ctx context.Context,
	exclude map[string]bool,
	maxAttempts int,
	what string,
	call func(*upstream.Upstream) (T, error),
	retryable func(T) bool,
) (T, error) {
	var zero T
	tried := make(map[string]bool, len(exclude))
	for k, v := range exclude {
		tried[k] = v
	}

	var (
		lastErr      error
		lastResult   T
		haveResult   bool
		usedFallback bool
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !usedFallback && e.mainExhausted(tried) {
			usedFallback = true
			e.logger.Warn().
				Str("method", what).
				Int("tried", len(tried)).
				Msg("all main upstreams failed, falling back to fallback upstreams")
		}

		u := e.balancer.Next(tried)
		if u == nil {
			if lastErr == nil && !haveResult {
				return zero, ErrNoUpstreamsAvailable
			}
			break
		}
		tried[u.Name()] = true

		result, err := call(u)
		if err == nil && !retryable(result) {
			e.logger.Debug().
				Str("upstream", u.Name()).
				Str("method", what).
				Bool("isFallback", u.IsFallback()).
				Msg("request succeeded")
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if err != nil {
			lastErr = err
		} else {
			lastResult, haveResult = result, true
		}
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxAttempts", maxAttempts).
			Str("upstream", u.Name()).
			Str("method", what).
			Bool("isFallback", u.IsFallback()).
			Msg("request failed")
	}

	if haveResult {
		return zero, &retryableResult[T]{last: lastResult}
	}
	if lastErr != nil {
		return zero, fmt.Errorf("%w: %v", ErrAllUpstreamsFailed, lastErr)
	}
	return zero, ErrAllUpstreamsFailed
}

// mainExhausted reports whether every healthy main upstream has been tried
func (e *Executor) mainExhausted(tried map[string]bool) bool {
	if e.pool == nil {
		return false
	}
	main := e.pool.GetHealthyMain()
	for _, u := range main {
		if !tried[u.Name()] {
			return false
		}
	}
	return len(main) > 0
}

// ExcludeLagging returns the upstreams whose last seen block is below
// requested, so calls pinned to a fresh block skip nodes that lack it
func ExcludeLagging(pool *upstream.Pool, requested uint64) map[string]bool {
	if requested == 0 {
		return nil
	}
	var exclude map[string]bool
	for _, u := range pool.GetForRequest() {
		if u.CurrentBlock() < requested {
			if exclude == nil {
				exclude = make(map[string]bool)
			}
			exclude[u.Name()] = true
		}
	}
	return exclude
}

// BatchRequestedBlock returns the highest block pinned by any request in the batch
func BatchRequestedBlock(requests []*jsonrpc.Request) uint64 {
	var highest uint64
	for _, req := range requests {
		if b, ok := blockparam.RequestedBlock(req.Method, req.Params); ok && b > highest {
			highest = b
		}
	}
	return highest
}
