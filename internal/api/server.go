package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"retrochain-indexer/internal/eventbus"
	"retrochain-indexer/internal/repository"
)

// Options configures the read API server. The zero value is usable for tests:
// no CORS headers, rate limiting disabled.
type Options struct {
	Listen      string   // host:port to bind
	CORSOrigins []string // allowed origins; empty disables CORS headers entirely
	RateRPS     float64  // per-IP requests/sec; <=0 disables limiting
	RateBurst   int
}

// Server is the HTTP read surface over an indexer database. All state lives
// on the struct so several servers can coexist in one process (tests, the
// combined run mode).
type Server struct {
	repo       *repository.Repository
	bus        *eventbus.Bus
	hub        *wsHub
	limiter    *ipLimiter
	handler    http.Handler
	httpServer *http.Server
}

// NewServer wires the router, middleware and websocket hub. bus may be nil
// when no ingester runs in-process; /v1/ws then simply never pushes.
func NewServer(repo *repository.Repository, bus *eventbus.Bus, opts Options) *Server {
	s := &Server{
		repo:    repo,
		bus:     bus,
		hub:     newWSHub(),
		limiter: newIPLimiter(opts.RateRPS, opts.RateBurst),
	}

	r := mux.NewRouter()
	r.Use(jsonMiddleware)
	r.Use(s.rateLimitMiddleware)

	// Mux does not run middleware for these two, so wrap them here. OPTIONS
	// answers 204 on any path (the CORS layer consumes preflights before the
	// router when an allowlist is configured; everything else lands here).
	r.NotFoundHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusNotFound, "not found")
	}))
	r.MethodNotAllowedHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}))
	s.registerRoutes(r)

	var handler http.Handler = r
	if len(opts.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:    opts.Listen,
		Handler: handler,
	}
	return s
}

// Handler exposes the full middleware chain, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until the listener fails or Shutdown is called. The websocket
// hub runs until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	if s.bus != nil {
		go s.forwardBus(ctx)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}
