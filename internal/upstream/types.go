package upstream

import (
	"sync/atomic"
	"time"

	"ledgerrelay/internal/config"
)

// Role represents the upstream role
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// RoleFromConfig converts config.Role to upstream.Role
func RoleFromConfig(r config.Role) Role {
	switch r {
	case config.RoleFallback:
		return RoleFallback
	default:
		return RoleMain
	}
}

// Observer receives per-request upstream telemetry (metrics)
type Observer interface {
	ObserveUpstream(upstream string, took time.Duration, err error)
	ObserveBreakerState(upstream string, state int)
}

// Status holds the health of an upstream as seen by the monitor
type Status struct {
	healthy      atomic.Bool
	currentBlock atomic.Uint64
	requests     atomic.Uint64
}

// NewStatus creates a healthy Status
func NewStatus() *Status {
	s := &Status{}
	s.healthy.Store(true)
	return s
}

// IsHealthy returns the health status
func (s *Status) IsHealthy() bool {
	return s.healthy.Load()
}

// SetHealthy sets the health status
func (s *Status) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// CurrentBlock returns the last block number seen
func (s *Status) CurrentBlock() uint64 {
	return s.currentBlock.Load()
}

// UpdateBlock raises the block number; lower values are ignored.
// Returns true if the block was updated.
func (s *Status) UpdateBlock(block uint64) bool {
	for {
		current := s.currentBlock.Load()
		if block <= current {
			return false
		}
		if s.currentBlock.CompareAndSwap(current, block) {
			return true
		}
	}
}

// SwapRequestCount returns the request count and resets it
func (s *Status) SwapRequestCount() uint64 {
	return s.requests.Swap(0)
}
