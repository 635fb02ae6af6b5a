// Package api serves the admin REST endpoints, the Prometheus scrape
// target, and the embedded dashboard. It is read-only: clients shape the
// server's state over the wire protocol, the API only observes it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/config"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/health"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/hub"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pool"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/server"
)

// Config wires the admin server's collaborators. Wire and Hub are required;
// Pool, Health, Gatherer and Loaded may be nil.
type Config struct {
	Bind string
	Key  string

	Wire     *server.Server
	Hub      *hub.Hub
	Pool     *pool.Pool
	Health   *health.Checker
	Loaded   *config.Config
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the admin REST and metrics server.
type Server struct {
	wire       *server.Server
	hub        *hub.Hub
	pool       *pool.Pool
	health     *health.Checker
	gatherer   prometheus.Gatherer
	log        *slog.Logger
	bind       string
	key        string
	httpServer *http.Server
	startTime  time.Time

	mu     sync.Mutex
	loaded *config.Config
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		wire:      cfg.Wire,
		hub:       cfg.Hub,
		pool:      cfg.Pool,
		health:    cfg.Health,
		gatherer:  cfg.Gatherer,
		log:       log,
		bind:      cfg.Bind,
		key:       cfg.Key,
		loaded:    cfg.Loaded,
		startTime: time.Now(),
	}
}

// SetConfig swaps the configuration served by the config endpoint after a
// hot reload.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.loaded = cfg
	s.mu.Unlock()
}

// authMiddleware returns a middleware that checks for a valid API key.
// Unauthenticated routes (health, ready, metrics) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health/readiness probes and metrics
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if s.key == "" {
			// No API key configured — allow all requests
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.key {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Introspection
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/sessions", s.sessionsHandler).Methods("GET")
	r.HandleFunc("/channels", s.channelsHandler).Methods("GET")
	r.HandleFunc("/pool", s.poolHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Admin dashboard (must be registered last — catch-all for "/" and "/dashboard")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	// Wrap with security headers, then auth middleware
	handler := s.securityHeaders(s.authMiddleware(r))

	bind := s.bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if s.key == "" {
		s.log.Warn("API key not configured — admin endpoints are unauthenticated")
	}
	s.log.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}

	status := http.StatusOK
	if !s.health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, s.health.GetStatus())
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready once the wire listener is bound and the probe passes.
	if s.wire.Addr() == nil || (s.health != nil && !s.health.Healthy()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Introspection Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	listen := ""
	if addr := s.wire.Addr(); addr != nil {
		listen = addr.String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"listen":         listen,
		"connections":    s.wire.ConnectionCount(),
		"channels":       s.hub.ChannelCount(),
		"listeners":      s.hub.ListenerCount(),
		"pool_enabled":   s.pool != nil,
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.wire.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) channelsHandler(w http.ResponseWriter, r *http.Request) {
	channels := s.hub.Channels()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(channels),
		"listeners": s.hub.ListenerCount(),
		"channels":  channels,
	})
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusNotFound, "pooling disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()

	if loaded == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, loaded.Redacted())
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
