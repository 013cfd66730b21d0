package balancer

import (
	"sync"

	"ledgerrelay/internal/upstream"
)

// WeightedRoundRobin implements interleaved weighted round-robin over the
// healthy upstreams, preferring main over fallback
type WeightedRoundRobin struct {
	provider      UpstreamProvider
	mu            sync.Mutex
	currentIndex  int
	currentWeight int
}

// NewWeightedRoundRobin creates a new WeightedRoundRobin balancer
func NewWeightedRoundRobin(provider UpstreamProvider) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		provider:     provider,
		currentIndex: -1,
	}
}

// Next returns the next upstream. Main upstreams are used while any of them
// is available; fallbacks only after that.
func (wrr *WeightedRoundRobin) Next(exclude map[string]bool) *upstream.Upstream {
	upstreams := wrr.available(exclude)
	if len(upstreams) == 0 {
		return nil
	}
	if len(upstreams) == 1 {
		return upstreams[0]
	}

	step := gcdWeights(upstreams)
	top := maxWeight(upstreams)

	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	// the candidate set can shrink between calls
	if wrr.currentIndex >= len(upstreams) {
		wrr.currentIndex = -1
	}
	for {
		wrr.currentIndex = (wrr.currentIndex + 1) % len(upstreams)
		if wrr.currentIndex == 0 {
			wrr.currentWeight -= step
			if wrr.currentWeight <= 0 {
				wrr.currentWeight = top
			}
		}

		u := upstreams[wrr.currentIndex]
		if weightOf(u) >= wrr.currentWeight {
			return u
		}
	}
}

func (wrr *WeightedRoundRobin) available(exclude map[string]bool) []*upstream.Upstream {
	if main := filterExcluded(wrr.provider.GetHealthyMain(), exclude); len(main) > 0 {
		return main
	}
	return filterExcluded(wrr.provider.GetHealthyFallback(), exclude)
}

func filterExcluded(upstreams []*upstream.Upstream, exclude map[string]bool) []*upstream.Upstream {
	if len(exclude) == 0 {
		return upstreams
	}

	result := make([]*upstream.Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		if !exclude[u.Name()] {
			result = append(result, u)
		}
	}
	return result
}

// weightOf treats non-positive weights as 1 so a misconfigured upstream is
// still selectable
func weightOf(u *upstream.Upstream) int {
	if w := u.Weight(); w > 0 {
		return w
	}
	return 1
}

func gcdWeights(upstreams []*upstream.Upstream) int {
	result := weightOf(upstreams[0])
	for _, u := range upstreams[1:] {
		result = gcd(result, weightOf(u))
	}
	return result
}

func maxWeight(upstreams []*upstream.Upstream) int {
	top := 0
	for _, u := range upstreams {
		if w := weightOf(u); w > top {
			top = w
		}
	}
	return top
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
