package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ledgerrelay/internal/config"
	"ledgerrelay/internal/jsonrpc"
)

// ErrCircuitOpen is returned when the upstream's circuit breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker open")

// maxResponseSize bounds how much of an upstream reply is read
const maxResponseSize = 64 << 20

// Upstream is a single JSON-RPC endpoint reached over HTTP
type Upstream struct {
	name   string
	rpcURL string
	weight int
	role   Role

	httpClient *http.Client
	status     *Status
	breaker    *CircuitBreaker
	observer   Observer
	logger     zerolog.Logger
}

// Config for creating a new Upstream
type Config struct {
	Name           string
	RPCURL         string
	Weight         int
	Role           Role
	RequestTimeout time.Duration
	Breaker        CircuitBreakerConfig
	Observer       Observer
	Logger         zerolog.Logger
}

// NewUpstream creates a new Upstream instance
func NewUpstream(cfg Config) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	u := &Upstream{
		name:   cfg.Name,
		rpcURL: cfg.RPCURL,
		weight: cfg.Weight,
		role:   cfg.Role,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		status:   NewStatus(),
		observer: cfg.Observer,
		logger:   cfg.Logger.With().Str("upstream", cfg.Name).Logger(),
	}

	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to BreakerState) {
		u.logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
		if u.observer != nil {
			u.observer.ObserveBreakerState(u.name, int(to))
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	u.breaker = NewCircuitBreaker(breakerCfg)
	return u
}

// NewUpstreamFromConfig creates an Upstream from config
func NewUpstreamFromConfig(cfg config.UpstreamConfig, globalCfg *config.Config, observer Observer, logger zerolog.Logger) *Upstream {
	var breaker CircuitBreakerConfig
	if cb := globalCfg.CircuitBreaker; cb != nil {
		breaker = CircuitBreakerConfig{
			Enabled:             cb.Enabled,
			FailureThreshold:    cb.FailureThreshold,
			RecoveryTimeout:     cb.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: cb.HalfOpenMaxRequests,
		}
	}

	return NewUpstream(Config{
		Name:           cfg.Name,
		RPCURL:         cfg.RPCURL,
		Weight:         cfg.Weight,
		Role:           RoleFromConfig(cfg.Role),
		RequestTimeout: globalCfg.GetRequestTimeoutDuration(),
		Breaker:        breaker,
		Observer:       observer,
		Logger:         logger,
	})
}

// Name returns the upstream name
func (u *Upstream) Name() string {
	return u.name
}

// Weight returns the weight for load balancing
func (u *Upstream) Weight() int {
	return u.weight
}

// IsMain returns true if this is a main upstream
func (u *Upstream) IsMain() bool {
	return u.role == RoleMain
}

// IsFallback returns true if this is a fallback upstream
func (u *Upstream) IsFallback() bool {
	return u.role == RoleFallback
}

// IsHealthy reports whether the upstream is healthy and its breaker would
// accept a call
func (u *Upstream) IsHealthy() bool {
	return u.status.IsHealthy() && u.breaker.Ready()
}

// SetHealthy sets the health status
func (u *Upstream) SetHealthy(healthy bool) {
	u.status.SetHealthy(healthy)
}

// CurrentBlock returns the last block number seen on this upstream
func (u *Upstream) CurrentBlock() uint64 {
	return u.status.CurrentBlock()
}

// UpdateBlock updates the block if the new value is higher
func (u *Upstream) UpdateBlock(block uint64) bool {
	return u.status.UpdateBlock(block)
}

// SwapRequestCount returns the number of calls since the last swap
func (u *Upstream) SwapRequestCount() uint64 {
	return u.status.SwapRequestCount()
}

// Breaker returns the upstream's circuit breaker
func (u *Upstream) Breaker() *CircuitBreaker {
	return u.breaker
}

// Execute sends a JSON-RPC request
func (u *Upstream) Execute(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := u.post(ctx, reqBytes)
	if err != nil {
		return nil, err
	}

	rpcResp, err := jsonrpc.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return rpcResp, nil
}

// ExecuteBatch sends a batch of JSON-RPC requests in one HTTP call
func (u *Upstream) ExecuteBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	reqBytes, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	body, err := u.post(ctx, reqBytes)
	if err != nil {
		return nil, err
	}

	var responses []*jsonrpc.Response
	if err := json.Unmarshal(body, &responses); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	return responses, nil
}

// post performs one HTTP round trip, feeding the breaker and the observer
func (u *Upstream) post(ctx context.Context, payload []byte) (body []byte, err error) {
	if !u.breaker.AllowRequest() {
		return nil, fmt.Errorf("upstream %s: %w", u.name, ErrCircuitOpen)
	}

	start := time.Now()
	defer func() {
		if err != nil && ctx.Err() == nil {
			u.breaker.RecordFailure()
		} else if err == nil {
			u.breaker.RecordSuccess()
		}
		if u.observer != nil {
			u.observer.ObserveUpstream(u.name, time.Since(start), err)
		}
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	u.status.requests.Add(1)

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Close releases idle connections
func (u *Upstream) Close() {
	u.httpClient.CloseIdleConnections()
}
