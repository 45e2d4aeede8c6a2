// Package monitor serves a read-only HTTP view of stored runs and of the
// sweep in progress.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roman-kulish/polarimetry/internal/storage"
	"github.com/roman-kulish/polarimetry/internal/sweep"
)

const shutdownTimeout = 5 * time.Second

// RunReader is the read side of the result store
type RunReader interface {
	Run(ctx context.Context, runID string) (*storage.RunSummary, error)
	Runs(ctx context.Context) ([]*storage.RunSummary, error)
	ReadResults(ctx context.Context, runID string, opts ...storage.ReaderOption) (storage.ResultReader, error)
}

// ProgressSource reports the live state of the sweep, it is satisfied by
// *sweep.Orchestrator
type ProgressSource interface {
	Progress() sweep.Progress
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "monitor"))
	}
}

// WithProgress reports live progress for the run being swept
func WithProgress(p ProgressSource) Option {
	return func(s *Server) {
		s.progress = p
	}
}

// Server is the monitor HTTP API
type Server struct {
	runs     RunReader
	progress ProgressSource
	logger   *slog.Logger

	router chi.Router
	api    huma.API
}

func New(runs RunReader, options ...Option) *Server {
	s := Server{
		runs:   runs,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&s)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	config := huma.DefaultConfig("Polarimetry Sweep Monitor", "1.0.0")
	config.DocsPath = ""
	s.api = humachi.New(router, config)
	s.router = router
	s.register()

	return &s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor: listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor: shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("requestID", middleware.GetReqID(r.Context())))
	})
}
