package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"

	diagnosticsReadTimeout     = 5 * time.Second
	diagnosticsShutdownTimeout = 5 * time.Second
)

// ReadinessGate flips to ready once the daemon has completed its first merge
// pass. /readyz reports unavailable until then.
type ReadinessGate struct {
	ready atomic.Bool
}

// NewReadinessGate returns a gate in the not-ready state.
func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{}
}

// MarkReady flips the gate. Idempotent.
func (g *ReadinessGate) MarkReady() {
	g.ready.Store(true)
}

// Ready reports the gate state. A nil gate is always ready.
func (g *ReadinessGate) Ready() bool {
	return g == nil || g.ready.Load()
}

// DiagnosticsServer exposes /healthz, /readyz and /metrics for operational
// monitoring.
type DiagnosticsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewDiagnosticsServer binds addr and builds the diagnostics routes. The
// metrics handler is the Prometheus scrape endpoint from Init; nil disables
// /metrics. Call Serve to start handling requests.
func NewDiagnosticsServer(addr string, metricsHandler http.Handler, gate *ReadinessGate, logger *slog.Logger) (*DiagnosticsServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, listenErr := net.Listen("tcp", addr)
	if listenErr != nil {
		return nil, fmt.Errorf("bind diagnostics %s: %w", addr, listenErr)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(rw, http.StatusOK, healthStatusOK)
	})

	router.Get("/readyz", func(rw http.ResponseWriter, _ *http.Request) {
		if gate.Ready() {
			writeHealthJSON(rw, http.StatusOK, healthStatusOK)

			return
		}

		writeHealthJSON(rw, http.StatusServiceUnavailable, healthStatusUnavailable)
	})

	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	return &DiagnosticsServer{
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: diagnosticsReadTimeout,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (d *DiagnosticsServer) Addr() string {
	return d.listener.Addr().String()
}

// Serve handles requests until ctx is cancelled, then drains the server.
// A clean shutdown returns nil.
func (d *DiagnosticsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- d.server.Serve(d.listener)
	}()

	d.logger.Info("diagnostics.started", slog.String("addr", d.Addr()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), diagnosticsShutdownTimeout)
		defer cancel()

		shutdownErr := d.server.Shutdown(shutdownCtx)
		<-errCh

		if shutdownErr != nil {
			return fmt.Errorf("shutdown diagnostics: %w", shutdownErr)
		}

		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serve diagnostics: %w", serveErr)
	}
}

func writeHealthJSON(rw http.ResponseWriter, code int, status string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	_ = json.NewEncoder(rw).Encode(map[string]string{"status": status})
}
