package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/rekeyd/internal/keyring"
	"github.com/org/rekeyd/internal/rotation"
	"github.com/org/rekeyd/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
}

// Server is the rotation engine's API server. It is an internal service
// boundary for CLI and ops tooling, not a public surface.
type Server struct {
	store   storage.Store
	keys    *keyring.Keyring
	manager *rotation.Manager
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over an already wired engine.
func NewServer(store storage.Store, keys *keyring.Keyring, manager *rotation.Manager, cfg Config) *Server {
	return &Server{store: store, keys: keys, manager: manager, cfg: cfg}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Route("/v1/rotations", func(r chi.Router) {
		r.Post("/", s.RotationInitiateHandler)
		r.Get("/", s.RotationHistoryHandler)
		r.Get("/active", s.RotationActiveHandler)
		r.Get("/{id}", s.RotationGetHandler)
		r.Get("/{id}/progress", s.RotationProgressHandler)
		r.Post("/{id}/retry", s.RotationRetryHandler)
		r.Post("/{id}/rollback", s.RotationRollbackHandler)
	})

	r.Get("/v1/keys", s.KeyVersionsHandler)

	r.Route("/v1/schedules", func(r chi.Router) {
		r.Get("/", s.ScheduleListHandler)
		r.Post("/", s.ScheduleUpsertHandler)
		r.Get("/{id}", s.ScheduleGetHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
