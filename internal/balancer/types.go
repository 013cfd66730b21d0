package balancer

import "ledgerrelay/internal/upstream"

// Selector picks the next upstream to try, skipping the excluded names.
// It returns nil when nothing is left.
type Selector interface {
	Next(exclude map[string]bool) *upstream.Upstream
}

// UpstreamProvider provides access to upstreams
type UpstreamProvider interface {
	// GetHealthyMain returns healthy main upstreams
	GetHealthyMain() []*upstream.Upstream

	// GetHealthyFallback returns healthy fallback upstreams
	GetHealthyFallback() []*upstream.Upstream
}
