package upstream

import (
	"github.com/rs/zerolog"

	"ledgerrelay/internal/config"
)

// Pool is the set of upstreams serving the relay
type Pool struct {
	upstreams []*Upstream
	monitor   *HealthMonitor
	logger    zerolog.Logger
}

// NewPool creates a Pool from the configured upstreams
func NewPool(cfg *config.Config, observer Observer, logger zerolog.Logger) *Pool {
	poolLogger := logger.With().Str("component", "pool").Logger()

	upstreams := make([]*Upstream, 0, len(cfg.Upstreams))
	for _, upCfg := range cfg.Upstreams {
		upstreams = append(upstreams, NewUpstreamFromConfig(upCfg, cfg, observer, poolLogger))
	}

	return NewPoolFromUpstreams(upstreams, MonitorConfig{
		BlockLagThreshold:  cfg.BlockLagThreshold,
		LagRecoveryTimeout: cfg.GetLagRecoveryTimeoutDuration(),
		CheckInterval:      cfg.GetHealthCheckIntervalDuration(),
		StatusLogInterval:  cfg.GetStatusLogIntervalDuration(),
	}, poolLogger)
}

// NewPoolFromUpstreams creates a Pool over already built upstreams
func NewPoolFromUpstreams(upstreams []*Upstream, monitorCfg MonitorConfig, logger zerolog.Logger) *Pool {
	return &Pool{
		upstreams: upstreams,
		monitor:   NewHealthMonitor(upstreams, monitorCfg, logger),
		logger:    logger,
	}
}

// Start starts the health monitor
func (p *Pool) Start() {
	p.monitor.Start()
	p.logger.Info().
		Int("upstreams", len(p.upstreams)).
		Msg("pool started")
}

// Stop stops the pool and closes all connections
func (p *Pool) Stop() {
	p.monitor.Stop()
	for _, u := range p.upstreams {
		u.Close()
	}
	p.logger.Info().Msg("pool stopped")
}

// GetAll returns all upstreams
func (p *Pool) GetAll() []*Upstream {
	result := make([]*Upstream, len(p.upstreams))
	copy(result, p.upstreams)
	return result
}

// GetHealthyMain returns healthy main upstreams
func (p *Pool) GetHealthyMain() []*Upstream {
	return p.filter(func(u *Upstream) bool { return u.IsMain() && u.IsHealthy() })
}

// GetHealthyFallback returns healthy fallback upstreams
func (p *Pool) GetHealthyFallback() []*Upstream {
	return p.filter(func(u *Upstream) bool { return u.IsFallback() && u.IsHealthy() })
}

// GetForRequest returns main upstreams if any are healthy, otherwise fallbacks
func (p *Pool) GetForRequest() []*Upstream {
	if main := p.GetHealthyMain(); len(main) > 0 {
		return main
	}
	return p.GetHealthyFallback()
}

// HealthyCount returns the number of healthy upstreams
func (p *Pool) HealthyCount() int {
	return len(p.filter(func(u *Upstream) bool { return u.IsHealthy() }))
}

// MaxBlock returns the highest block seen across upstreams
func (p *Pool) MaxBlock() uint64 {
	return p.monitor.MaxBlock()
}

// upstreams is immutable after construction, so no lock is needed
func (p *Pool) filter(keep func(*Upstream) bool) []*Upstream {
	result := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		if keep(u) {
			result = append(result, u)
		}
	}
	return result
}
