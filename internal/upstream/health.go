package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ledgerrelay/internal/blockparam"
	"ledgerrelay/internal/jsonrpc"
)

// MonitorConfig configures block polling and lag detection
type MonitorConfig struct {
	BlockLagThreshold  uint64
	LagRecoveryTimeout time.Duration
	CheckInterval      time.Duration
	StatusLogInterval  time.Duration
}

// HealthMonitor polls eth_blockNumber on every upstream and marks upstreams
// that fall too far behind the best known block as unhealthy
type HealthMonitor struct {
	upstreams []*Upstream
	cfg       MonitorConfig
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	maxBlock uint64
}

// NewHealthMonitor creates a new HealthMonitor
func NewHealthMonitor(upstreams []*Upstream, cfg MonitorConfig, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		upstreams: upstreams,
		cfg:       cfg,
		logger:    logger.With().Str("component", "health").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start polls once synchronously, then keeps polling in the background
func (hm *HealthMonitor) Start() {
	hm.pollAll()
	hm.logger.Info().
		Uint64("maxBlock", hm.MaxBlock()).
		Int("healthy", hm.healthyCount()).
		Int("upstreams", len(hm.upstreams)).
		Msg("initial blocks fetched")

	if hm.cfg.CheckInterval > 0 {
		hm.wg.Add(1)
		go hm.every(hm.cfg.CheckInterval, hm.pollAll)
	}
	if hm.cfg.StatusLogInterval > 0 {
		hm.wg.Add(1)
		go hm.every(hm.cfg.StatusLogInterval, hm.logStatus)
	}
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

// MaxBlock returns the maximum block number
func (hm *HealthMonitor) MaxBlock() uint64 {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.maxBlock
}

func (hm *HealthMonitor) every(interval time.Duration, fn func()) {
	defer hm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// pollAll polls every upstream in parallel, then settles health against the
// resulting max block
func (hm *HealthMonitor) pollAll() {
	polled := make([]bool, len(hm.upstreams))
	var newMax atomic.Bool

	var wg sync.WaitGroup
	for i, u := range hm.upstreams {
		wg.Add(1)
		go func(i int, u *Upstream) {
			defer wg.Done()
			block, ok := hm.poll(u)
			if !ok {
				return
			}
			polled[i] = true
			if hm.updateMaxBlock(block) {
				newMax.Store(true)
			}
		}(i, u)
	}
	wg.Wait()

	if newMax.Load() {
		hm.scheduleLagCheck(hm.MaxBlock())
	}
	for i, u := range hm.upstreams {
		if polled[i] {
			hm.checkCaughtUp(u)
		}
	}
}

func (hm *HealthMonitor) poll(u *Upstream) (uint64, bool) {
	block, err := hm.fetchBlockNumber(u)
	if err != nil {
		if u.status.IsHealthy() {
			hm.logger.Warn().Err(err).Str("upstream", u.Name()).Msg("block poll failed, marking unhealthy")
		}
		u.SetHealthy(false)
		return 0, false
	}

	u.UpdateBlock(block)
	hm.logger.Debug().
		Str("upstream", u.Name()).
		Uint64("block", block).
		Msg("polled block number")
	return block, true
}

func (hm *HealthMonitor) fetchBlockNumber(u *Upstream) (uint64, error) {
	ctx, cancel := context.WithTimeout(hm.ctx, 10*time.Second)
	defer cancel()

	req, err := jsonrpc.NewRequest("eth_blockNumber", nil, jsonrpc.NewIDInt(1))
	if err != nil {
		return 0, err
	}

	resp, err := u.Execute(ctx, req)
	if err != nil {
		return 0, err
	}
	if resp.HasError() {
		return 0, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var hex string
	if err := json.Unmarshal(resp.Result, &hex); err != nil {
		return 0, fmt.Errorf("failed to parse block number: %w", err)
	}
	return blockparam.ParseQuantity(hex)
}

// updateMaxBlock returns true if block is a new maximum
func (hm *HealthMonitor) updateMaxBlock(block uint64) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if block > hm.maxBlock {
		hm.maxBlock = block
		return true
	}
	return false
}

// scheduleLagCheck gives lagging upstreams LagRecoveryTimeout to reach target
func (hm *HealthMonitor) scheduleLagCheck(target uint64) {
	if hm.cfg.LagRecoveryTimeout <= 0 {
		hm.checkLag(target)
		return
	}

	time.AfterFunc(hm.cfg.LagRecoveryTimeout, func() {
		if hm.ctx.Err() != nil {
			return
		}
		hm.checkLag(target)
	})
}

func (hm *HealthMonitor) checkLag(target uint64) {
	for _, u := range hm.upstreams {
		current := u.CurrentBlock()
		if target <= current || target-current <= hm.cfg.BlockLagThreshold {
			continue
		}
		if u.status.IsHealthy() {
			hm.logger.Warn().
				Str("upstream", u.Name()).
				Uint64("currentBlock", current).
				Uint64("targetBlock", target).
				Msg("upstream did not catch up in time, marking unhealthy")
		}
		u.SetHealthy(false)
	}
}

// checkCaughtUp marks u healthy when it is within the lag threshold
func (hm *HealthMonitor) checkCaughtUp(u *Upstream) {
	maxBlock := hm.MaxBlock()
	current := u.CurrentBlock()
	if maxBlock == 0 || current == 0 {
		return
	}

	var lag uint64
	if maxBlock > current {
		lag = maxBlock - current
	}
	if lag > hm.cfg.BlockLagThreshold {
		return
	}
	if !u.status.IsHealthy() {
		hm.logger.Info().
			Str("upstream", u.Name()).
			Uint64("currentBlock", current).
			Uint64("maxBlock", maxBlock).
			Msg("upstream caught up, marking healthy")
	}
	u.SetHealthy(true)
}

func (hm *HealthMonitor) healthyCount() int {
	n := 0
	for _, u := range hm.upstreams {
		if u.IsHealthy() {
			n++
		}
	}
	return n
}

// logStatus logs per-upstream health and request counts since the last log
func (hm *HealthMonitor) logStatus() {
	var healthy, unhealthy []string
	var total uint64
	for _, u := range hm.upstreams {
		requests := u.SwapRequestCount()
		total += requests
		entry := fmt.Sprintf("%s(block=%d,requests=%d)", u.Name(), u.CurrentBlock(), requests)
		if u.IsHealthy() {
			healthy = append(healthy, entry)
		} else {
			unhealthy = append(unhealthy, entry)
		}
	}

	hm.logger.Info().
		Uint64("maxBlock", hm.MaxBlock()).
		Uint64("requests", total).
		Strs("healthy", healthy).
		Strs("unhealthy", unhealthy).
		Msg("upstreams status")
}
