// Package api serves the HTTP surface of the stream server: the signaling socket,
// Prometheus metrics and JSON status.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the routes. Nil handlers leave their route unregistered.
type Options struct {
	Addr      string
	Signaling http.Handler
	Registry  *prometheus.Registry
	Status    StatusProvider

	// AllowedOrigins gets CORS headers on the status routes. Empty allows none.
	AllowedOrigins []string

	// JoinRate limits new signaling sockets per client IP and JoinWindow.
	JoinRate   int
	JoinWindow time.Duration
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	limiter    *JoinLimiter
	logger     *zap.Logger
}

func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		logger: logger,
	}

	if opts.Signaling != nil {
		if opts.JoinRate > 0 {
			window := opts.JoinWindow
			if window <= 0 {
				window = time.Minute
			}
			s.limiter = NewJoinLimiter(opts.JoinRate, window, logger)
			mux.Handle("/ws", s.limiter.Wrap(opts.Signaling))
		} else {
			mux.Handle("/ws", opts.Signaling)
		}
	}

	if opts.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))
	}

	if opts.Status != nil {
		NewStatusHandler(opts.Status, logger).RegisterRoutes(mux)
	}

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// WriteTimeout stays zero: /ws connections are long lived.
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           corsMiddleware(mux, opts.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return s
}

// Handler exposes the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// corsMiddleware adds CORS headers for whitelisted origins.
func corsMiddleware(next http.Handler, origins []string) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
