package controlplane

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/evidence"
	"github.com/R3E-Network/req2run-engine/internal/telemetry"
)

// Config configures the control plane's HTTP surface.
type Config struct {
	Addr               string
	MaxRequestBodyBytes int64
	ShutdownTimeout    time.Duration
}

// Server is the optional admin HTTP surface (SPEC_FULL.md §6): a health
// check, the Prometheus scrape endpoint, and a websocket tail of an
// in-flight run's evidence. Job submission, cancellation, and awaiting a
// Result stay an in-process API (internal/engine.Engine) and are never
// exposed here.
type Server struct {
	http     *http.Server
	evidence *evidence.Store
	log      *enginelog.Logger
	timeout  time.Duration
}

// New builds a Server that tails store for the given evidence root.
func New(cfg Config, store *evidence.Store, log *enginelog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{evidence: store, log: log, timeout: cfg.ShutdownTimeout}

	router := mux.NewRouter()
	router.Use(recoveryMiddleware(log), requestLoggingMiddleware(log), metricsMiddleware(), securityHeadersMiddleware(), bodyLimitMiddleware(cfg.MaxRequestBodyBytes))

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/runs/{jobId}/log", s.handleTail).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control plane until ctx is cancelled,
// at which point it drains in-flight requests within the configured
// shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.log.Infow("control plane shutting down")
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
