// Package server exposes scans over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/AAVision/rasp-scanner/metrics"
	"github.com/AAVision/rasp-scanner/report"
)

// Scanner runs scans on demand and remembers the last one.
type Scanner interface {
	Scan(ctx context.Context) *report.Report
	Last() *report.Report
}

// Server holds the HTTP dependencies.
type Server struct {
	Scanner Scanner
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	limiter *rate.Limiter
}

// New returns a Server allowing scansPerSecond on-demand scans. A rate of
// zero or less disables the limit.
func New(scanner Scanner, m *metrics.Metrics, logger *slog.Logger, scansPerSecond float64) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if scansPerSecond > 0 {
		limit = rate.Limit(scansPerSecond)
	}

	return &Server{
		Scanner: scanner,
		Metrics: m,
		Logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.logging)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/report", s.lastReport)
		r.With(s.rateLimit).Post("/scan", s.scan)
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scan handles POST /v1/scan
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scanner.Scan(r.Context()))
}

// lastReport handles GET /v1/report
func (s *Server) lastReport(w http.ResponseWriter, r *http.Request) {
	last := s.Scanner.Last()
	if last == nil {
		http.Error(w, "no scan has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logging logs failed and slow requests only.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		if ww.Status() >= 400 || duration > 5*time.Second {
			s.Logger.Warn("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", duration)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
