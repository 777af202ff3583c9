// Package api serves the REST control surface: start, stop and status for
// the packet loss and bandwidth policies.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"firestige.xyz/twister/internal/config"
	"firestige.xyz/twister/internal/policy"
)

const basePath = "/api/v1"

// Policies is the control-plane surface the API drives.
type Policies interface {
	StartLoss(percent int32) error
	ClearLoss() error
	StartBandwidth(bps uint64) error
	ClearBandwidth() error
	PacketLoss() policy.ServiceStatus
	Bandwidth() policy.ServiceStatus
	Status() []policy.ServiceStatus
}

// Server is the REST API server.
type Server struct {
	addr     string
	origin   string
	policies Policies
	router   chi.Router
	server   *http.Server
	ln       net.Listener
}

// NewServer builds the router. origin is the allowed CORS origin; empty
// allows any.
func NewServer(cfg config.APIConfig, p Policies) *Server {
	s := &Server{
		addr:     cfg.Listen,
		origin:   cfg.OriginAllowed,
		policies: p,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.origin))

	r.Get("/", s.index)
	r.Route(basePath, func(r chi.Router) {
		r.Route("/packetloss", func(r chi.Router) {
			r.Post("/start", s.packetLossStart)
			r.Post("/stop", s.packetLossStop)
			r.Get("/status", s.packetLossStatus)
		})
		r.Route("/bandwidth", func(r chi.Router) {
			r.Post("/start", s.bandwidthStart)
			r.Post("/stop", s.bandwidthStop)
			r.Get("/status", s.bandwidthStatus)
		})
		r.Get("/services/status", s.servicesStatus)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, failure("not-found", "Not found", "the requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, failure("method-not-allowed", "Method not allowed", ""))
	})

	s.router = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	slog.Info("starting api server", "addr", ln.Addr().String(), "origin_allowed", s.origin)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the server. Policies stay applied.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("stopping api server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	s.server = nil
	return nil
}

// cors mirrors the allowed headers and methods of the v1 API. An empty or
// "*" origin allows any.
func cors(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return handlers.CORS(
		handlers.AllowedOrigins([]string{origin}),
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "X-CSRF-Token"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
