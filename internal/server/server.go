// Package server exposes the daemon's operational HTTP surface: health,
// metrics and the live notification stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/gateway"
	"github.com/meridianfo/vigil/internal/metrics"
)

// FeedStatus reports whether the upstream tick feed is connected.
type FeedStatus interface {
	IsConnected() bool
}

// Options configures the ops server and its dependencies
type Options struct {
	Port    int
	DevMode bool

	Chain   *chain.Chain
	Gateway *gateway.Gateway
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Feed    FeedStatus // optional, feed section omitted from /healthz when nil
}

// Server is the operational HTTP server. It carries no product API; the
// analysis pipeline is driven through the gateway, not over HTTP.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	opts   Options

	startupTime time.Time
}

// New creates a configured ops server. Call Start to begin serving.
func New(opts Options, log zerolog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         log.With().Str("component", "server").Logger(),
		opts:        opts,
		startupTime: time.Now(),
	}

	s.setupMiddleware(opts.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		stream := NewEventStreamHandler(s.opts.Bus, s.log)
		r.Get("/events/stream", stream.ServeHTTP)
	})
}

// HealthResponse is the /healthz payload
type HealthResponse struct {
	Status        string        `json:"status"`
	Service       string        `json:"service"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Chain         ChainHealth   `json:"chain"`
	Gateway       gateway.Stats `json:"gateway"`
	Feed          *FeedHealth   `json:"feed,omitempty"`
	System        SystemHealth  `json:"system"`
}

// ChainHealth summarizes the audit chain state
type ChainHealth struct {
	Blocks   int    `json:"blocks"`
	Intact   bool   `json:"intact"`
	RootHash string `json:"root_hash"`
}

// FeedHealth reports the upstream tick feed connection
type FeedHealth struct {
	Connected bool `json:"connected"`
}

// SystemHealth reports host resource usage
type SystemHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

// handleHealth reports daemon health, including a full chain integrity walk.
// The walk re-hashes every block, so the endpoint is meant for ops polling,
// not high-frequency probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	intact := s.opts.Chain.VerifyIntegrity()
	status := "healthy"
	if !intact {
		status = "degraded"
	}

	cpuPercent, ramPercent := s.systemStats()

	response := HealthResponse{
		Status:        status,
		Service:       "vigil",
		UptimeSeconds: time.Since(s.startupTime).Seconds(),
		Chain: ChainHealth{
			Blocks:   s.opts.Chain.Len(),
			Intact:   intact,
			RootHash: s.opts.Chain.RootHash(),
		},
		Gateway: s.opts.Gateway.Stats(),
		System: SystemHealth{
			CPUPercent: cpuPercent,
			RAMPercent: ramPercent,
		},
	}
	if s.opts.Feed != nil {
		response.Feed = &FeedHealth{Connected: s.opts.Feed.IsConnected()}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// systemStats calculates CPU and RAM usage percentages. The CPU read samples
// over 100ms so the health endpoint stays responsive.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// Start starts the HTTP server. It blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.opts.Port).Msg("Starting ops HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down ops HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
