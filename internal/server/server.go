// Package server provides the node's introspection HTTP server.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/node"
	"github.com/strangelab/nodeagent/internal/probe"
)

// MaxProbeBody caps the POST /probe and /scan/once request bodies.
const MaxProbeBody = 1 << 10

// NodeAPI is the node state the handlers may read. Implementations run each
// call on the node loop (consumer-side interface).
type NodeAPI interface {
	Health(ctx context.Context) (node.Health, error)
	Metrics(ctx context.Context) (node.Metrics, error)
	Config(ctx context.Context) (node.ConfigView, error)
	WhoAmI(ctx context.Context) (node.WhoAmI, error)
	WiFi(ctx context.Context) (node.WiFiView, error)
	BLELatest(ctx context.Context, limit int) (node.BLELatest, error)
	BLEStats(ctx context.Context) (ble.Stats, error)
	RecentLog(ctx context.Context, limit int) (node.RecentLog, error)
	Probe(ctx context.Context, req probe.Request) (probe.Result, error)
	ScanOnce(ctx context.Context, req node.ScanRequest) (node.ScanResult, error)
	ClearBuffer(ctx context.Context) (node.BufferCleared, error)
	ExportBuffer(ctx context.Context, w io.Writer) (int, error)
}

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Config holds listener and limiter settings.
type Config struct {
	Addr string
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
	// CallTimeout bounds how long a handler waits for the node loop.
	CallTimeout time.Duration
	// Collectors are registered on the server's Prometheus registry.
	Collectors []prometheus.Collector
}

// Server is the node's HTTP server.
type Server struct {
	httpServer *http.Server
	api        NodeAPI
	logger     *zap.Logger
	mux        *http.ServeMux
	registry   *prometheus.Registry
	timeout    time.Duration
}

// New creates a Server with middleware and routes. Extra registrars (the
// event stream, the provisioning portal) mount their own routes.
func New(cfg Config, api NodeAPI, logger *zap.Logger, extraRoutes ...SimpleRouteRegistrar) *Server {
	mux := http.NewServeMux()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range cfg.Collectors {
		reg.MustRegister(c)
	}
	metrics := NewHTTPMetrics(reg)

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}

	s := &Server{
		api:      api,
		logger:   logger,
		mux:      mux,
		registry: reg,
		timeout:  cfg.CallTimeout,
	}

	s.registerRoutes()
	for _, r := range extraRoutes {
		r.RegisterRoutes(mux)
	}

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, metrics, []string{"/health", "/metrics/prometheus"}),
		HeadersMiddleware,
	}
	if cfg.RateLimit > 0 {
		middlewares = append(middlewares,
			RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, []string{"/health", "/metrics/prometheus", "/events/stream"}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           Chain(mux, middlewares...),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /config", s.handleConfig)
	s.mux.HandleFunc("GET /whoami", s.handleWhoAmI)
	s.mux.HandleFunc("GET /wifi", s.handleWiFi)
	s.mux.HandleFunc("GET /ble/latest", s.handleBLELatest)
	s.mux.HandleFunc("GET /ble/stats", s.handleBLEStats)
	s.mux.HandleFunc("GET /log/recent", s.handleRecentLog)
	s.mux.HandleFunc("POST /probe", s.handleProbe)
	s.mux.HandleFunc("POST /scan/once", s.handleScanOnce)
	s.mux.HandleFunc("POST /buffer/clear", s.handleBufferClear)
	s.mux.HandleFunc("POST /buffer/export", s.handleBufferExport)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) callCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

// loopError maps a failed loop call to a problem response.
func (s *Server) loopError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("node call failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	Unavailable(w, "node loop did not answer", r.URL.Path)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// limitParam parses ?limit=N. Missing or non-numeric values yield 0, which
// the node treats as its default.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return max(n, 0)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	h, err := s.api.Health(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, h)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	m, err := s.api.Metrics(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	c, err := s.api.Config(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	v, err := s.api.WhoAmI(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleWiFi(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	v, err := s.api.WiFi(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleBLELatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	v, err := s.api.BLELatest(ctx, limitParam(r))
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleBLEStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	v, err := s.api.BLEStats(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleRecentLog(w http.ResponseWriter, r *http.Request) {
	v, err := s.api.RecentLog(r.Context(), limitParam(r))
	if err != nil {
		InternalError(w, "failed to read local log", r.URL.Path)
		return
	}
	writeJSON(w, v)
}

// readBody reads at most MaxProbeBody bytes of the request body, answering
// 413 or 400 itself when it fails.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxProbeBody))
	if err == nil {
		return body, true
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		WriteProblem(w, Problem{
			Type:     ProblemTypeBadRequest,
			Title:    "Request Entity Too Large",
			Status:   http.StatusRequestEntityTooLarge,
			Detail:   fmt.Sprintf("request body exceeds %d bytes", MaxProbeBody),
			Instance: r.URL.Path,
		})
		return nil, false
	}
	BadRequest(w, "failed to read request body", r.URL.Path)
	return nil, false
}

func (s *Server) handleScanOnce(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	res, err := s.api.ScanOnce(ctx, node.ParseScanRequest(body))
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleBufferClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	res, err := s.api.ClearBuffer(ctx)
	if err != nil {
		s.loopError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleBufferExport streams the local log as newline-delimited JSON.
func (s *Server) handleBufferExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var buf bytes.Buffer
	if _, err := s.api.ExportBuffer(ctx, &buf); err != nil {
		s.loopError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// handleProbe runs the requested checks. The body is parsed leniently; an
// oversized body is rejected.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	req := probe.ParseRequest(body)
	res, err := s.api.Probe(r.Context(), req)
	if err != nil {
		// The checks ran; only the event emission missed the loop.
		s.logger.Warn("probe events not emitted",
			zap.Error(err),
		)
	}
	writeJSON(w, res)
}
