package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/cache"
	"ledgerrelay/internal/config"
	"ledgerrelay/internal/fees"
	"ledgerrelay/internal/metrics"
	"ledgerrelay/internal/policy"
	"ledgerrelay/internal/proxy"
	"ledgerrelay/internal/upstream"
	"ledgerrelay/internal/ws"
)

// Server owns every long-lived component of the relay
type Server struct {
	cfg        *config.Config
	admission  *admission.Controller
	cache      cache.Cache
	store      *cache.Store
	pool       *upstream.Pool
	metrics    *metrics.Collector
	dispatcher *proxy.Dispatcher
	rpcServer  *http.Server
	wsServer   *http.Server
	cancel     context.CancelFunc
	logger     zerolog.Logger
}

// New creates a Server. Every component is built here, so a bad
// configuration fails at startup.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	var admissionOpts []admission.Option
	var upstreamObserver upstream.Observer
	var callObserver proxy.CallObserver
	var cacheHooks cache.Hooks
	if !cfg.Metrics.Disabled {
		s.metrics = metrics.New()
		admissionOpts = append(admissionOpts, admission.WithObserver(s.metrics))
		upstreamObserver = s.metrics
		callObserver = s.metrics
		cacheHooks = s.metrics.CacheHooks()
	}

	ctrl, err := admission.New(cfg.AdmissionLimits(), logger, admissionOpts...)
	if err != nil {
		return nil, err
	}
	s.admission = ctrl

	if cfg.IsCacheEnabled() {
		ttls := cache.DefaultTTLs()
		overrides := make(map[cache.Category]time.Duration, len(cfg.Cache.TTL))
		for cat, ttl := range cfg.Cache.GetTTLDurations() {
			overrides[cache.Category(cat)] = ttl
		}
		store, err := cache.New(cache.Options{
			MaxEntries: cfg.Cache.MaxEntries,
			Shards:     cfg.Cache.Shards,
			TTLs:       ttls.Merge(overrides),
			Hooks:      cacheHooks,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		s.store = store
		s.cache = store
		logger.Info().
			Int("maxEntries", cfg.Cache.MaxEntries).
			Int("shards", cfg.Cache.Shards).
			Msg("cache enabled")
	} else {
		s.cache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	resolver, err := policy.NewResolver(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	estimator, err := fees.NewEstimator(cfg.HbarLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid fee settings: %w", err)
	}

	s.pool = upstream.NewPool(cfg, upstreamObserver, logger)
	executor := proxy.NewPoolExecutor(s.pool, proxy.RetryConfig{
		Enabled:     cfg.IsRetryEnabled(),
		MaxAttempts: cfg.RetryMaxAttempts,
	}, logger)

	s.dispatcher = proxy.NewDispatcher(proxy.Deps{
		Policy:    resolver,
		Fees:      estimator,
		Admission: ctrl,
		Cache:     s.cache,
		Pool:      s.pool,
		Executor:  executor,
		Observer:  callObserver,
	}, logger)

	if s.metrics != nil {
		s.metrics.LimitsInfo(ctrl.Limits())
		s.metrics.RemainingTotalGauge(ctrl)
		s.metrics.GaugeFunc("upstreams_healthy", "Number of healthy upstreams", func() float64 {
			return float64(s.pool.HealthyCount())
		})
		s.metrics.GaugeFunc("cache_entries", "Number of stored cache entries", func() float64 {
			return float64(s.cache.Len())
		})
	}

	logger.Info().
		Int("tier1", cfg.RateLimit.Tier1).
		Int("tier2", cfg.RateLimit.Tier2).
		Int("tier3", cfg.RateLimit.Tier3).
		Int64("total", cfg.HbarLimit.Total).
		Msg("admission limits")

	return s, nil
}

// RPCRoutes returns the router served on the RPC port
func (s *Server) RPCRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", proxy.NewHandler(s.dispatcher, s.cfg.MaxBodySize, s.logger))
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.cfg.DebugAdmission {
		r.HandleFunc("/debug/admission/{identity}", s.admissionHandler).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// WSRoutes returns the router served on the WebSocket port
func (s *Server) WSRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", ws.NewHandler(s.dispatcher, ws.OptionsFromConfig(s.cfg), s.logger))
	return r
}

// Start starts the background workers and both listeners
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.pool.Start()
	s.admission.StartJanitor(ctx, s.cfg.RateLimit.GetJanitorInterval())
	if s.store != nil {
		s.store.StartJanitor(ctx, s.cfg.Cache.GetJanitorInterval())
	}

	rpcAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.RPCPort)
	wsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.WSPort)

	s.rpcServer = &http.Server{
		Addr:         rpcAddr,
		Handler:      s.RPCRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.wsServer = &http.Server{
		Addr:        wsAddr,
		Handler:     s.WSRoutes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.serve(s.rpcServer, "RPC")
	s.serve(s.wsServer, "WebSocket")

	s.logger.Info().
		Str("rpc", "http://"+rpcAddr).
		Str("ws", "ws://"+wsAddr).
		Msg("endpoints available")
	return nil
}

func (s *Server) serve(srv *http.Server, name string) {
	go func() {
		s.logger.Info().
			Str("addr", srv.Addr).
			Msgf("starting %s server", name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msgf("%s server error", name)
		}
	}()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var rpcErr, wsErr error
	if s.rpcServer != nil {
		rpcErr = s.rpcServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		wsErr = s.wsServer.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.pool.Stop()
	s.cache.Close()

	if rpcErr != nil {
		return fmt.Errorf("RPC server shutdown error: %w", rpcErr)
	}
	if wsErr != nil {
		return fmt.Errorf("WebSocket server shutdown error: %w", wsErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

type healthResponse struct {
	Status           string `json:"status"`
	HealthyUpstreams int    `json:"healthyUpstreams"`
	MaxBlock         uint64 `json:"maxBlock"`
	CacheEntries     int    `json:"cacheEntries"`
	TotalRemaining   int64  `json:"totalBudgetRemaining"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		HealthyUpstreams: s.pool.HealthyCount(),
		MaxBlock:         s.pool.MaxBlock(),
		CacheEntries:     s.cache.Len(),
		TotalRemaining:   s.admission.TotalRemaining(),
	}
	status := http.StatusOK
	if resp.HealthyUpstreams == 0 {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type admissionResponse struct {
	Identity        string           `json:"identity"`
	Requests        int64            `json:"requests"`
	RequestsResetMs int64            `json:"requestsResetMs"`
	Spent           map[string]int64 `json:"spent"`
}

func (s *Server) admissionHandler(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	usage, ok := s.admission.Snapshot(identity)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no state for identity " + identity})
		return
	}

	resp := admissionResponse{
		Identity:        identity,
		Requests:        usage.Requests,
		RequestsResetMs: usage.RequestsReset.Milliseconds(),
		Spent:           make(map[string]int64, len(usage.Spent)),
	}
	for class, spent := range usage.Spent {
		resp.Spent[class.String()] = spent
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
