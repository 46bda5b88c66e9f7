package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/orchestrator"
	"sandbox-sessions/internal/proxy"
	"sandbox-sessions/internal/storage"
)

// Server is the HTTP front of the session manager.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	orch       *orchestrator.Orchestrator
	store      storage.Store
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. store may be nil.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, store storage.Store, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(orch, store, metrics, cfg.Session.MaxTimeout)

	s := &Server{
		handlers:  handlers,
		orch:      orch,
		store:     store,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.Handler(metrics),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler builds the routed and wrapped handler.
func (s *Server) Handler(metrics *monitor.Metrics) http.Handler {
	cfg := s.cfg
	h := s.handlers

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/sessions", h.HandleStart)
	apiMux.HandleFunc("GET /v1/sessions", h.HandleList)
	apiMux.HandleFunc("GET /v1/sessions/{id}", h.HandleGet)
	apiMux.HandleFunc("DELETE /v1/sessions/{id}", h.HandleStop)
	apiMux.HandleFunc("GET /v1/sessions/{id}/output", h.HandleOutput)
	apiMux.HandleFunc("GET /v1/sessions/{id}/ws", h.HandleWebSocket)
	apiMux.HandleFunc("POST /v1/batches", h.HandleBatch)
	apiMux.Handle("/preview/{id}/{path...}", proxy.New(s.orch, cfg.Security.APIKeyHeader))

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = ConcurrencyMiddleware(cfg.Server.MaxInFlight)(handler)
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	engine := s.orch.Engine()
	engineOK := engine.Healthy(ctx)
	storeOK := s.store == nil || s.store.Healthy(ctx)

	resp := HealthResponse{
		Status:   "ok",
		Engine:   engine.Name(),
		EngineOK: engineOK,
		Store:    storeOK,
		Sessions: s.orch.Registry().Len(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if !engineOK || !storeOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
