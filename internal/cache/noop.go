package cache

// NoopCache is a cache that does nothing (used when caching is disabled)
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

// Get always returns not found
func (NoopCache) Get(Category, ...string) ([]byte, bool) { return nil, false }

// Put does nothing
func (NoopCache) Put(Category, []byte, ...string) {}

// Invalidate does nothing
func (NoopCache) Invalidate(Category, ...string) int { return 0 }

// Len is always zero
func (NoopCache) Len() int { return 0 }

// Close does nothing
func (NoopCache) Close() {}
