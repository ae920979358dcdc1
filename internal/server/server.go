// Package server exposes predcache over HTTP.
//
// Reads are public. Registration needs any valid bearer token and records
// its subject as the owner. Trigger needs the keeper's token and callbacks
// need the oracle's; the capability check itself happens in the bridge.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/bridge"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/staticcall"
	"github.com/roach88/predcache/internal/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Store is what the HTTP surface reads and registers through.
type Store interface {
	Register(ctx context.Context, owner string, conditions []ir.Condition, policy ir.Policy) (ir.PredicateRecord, error)
	Get(ctx context.Context, id ir.PredicateID) (ir.PredicateRecord, error)
	Events(ctx context.Context, q ir.EventQuery) ([]ir.Event, error)
}

// Server holds the HTTP handlers.
type Server struct {
	store    Store
	bridge   *bridge.Bridge
	reader   *staticcall.Reader
	verifier *access.Verifier

	metrics       *telemetry.Metrics
	metricsReader *sdkmetric.ManualReader
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records static reads on m and serves snapshots of reader at
// GET /v1/metrics. reader may be nil to skip the endpoint.
func WithMetrics(m *telemetry.Metrics, reader *sdkmetric.ManualReader) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsReader = reader
	}
}

// New creates a Server.
func New(st Store, b *bridge.Bridge, reader *staticcall.Reader, verifier *access.Verifier, opts ...Option) *Server {
	s := &Server{store: st, bridge: b, reader: reader, verifier: verifier}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ir.ServiceVersion})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Get("/predicates/{id}", s.getPredicate)
		api.Get("/predicates/{id}/calldata", s.getCalldata)
		api.Post("/static-call", s.staticCall)
		api.Get("/events", s.listEvents)
		if s.metricsReader != nil {
			api.Get("/metrics", s.getMetrics)
		}

		api.Group(func(authed chi.Router) {
			authed.Use(s.authenticate)
			authed.Post("/predicates", s.registerPredicate)
			authed.Post("/predicates/{id}/trigger", s.triggerPredicate)
			authed.Post("/callbacks", s.callback)
		})
	})
	return r
}

// HTTPServer wraps Handler with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type credentialKey struct{}

// authenticate resolves the bearer token into a credential on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := s.verifier.Credential(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), credentialKey{}, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func credentialFrom(ctx context.Context) access.Credential {
	cred, _ := ctx.Value(credentialKey{}).(access.Credential)
	return cred
}
