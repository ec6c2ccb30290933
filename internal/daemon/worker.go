// Package daemon runs the single logical worker: the trigger pipeline in a
// cooperative loop bracketed by lifecycle hooks.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sawamura-io/ssmerge/internal/errkind"
	"github.com/sawamura-io/ssmerge/internal/trigger"
)

// defaultStopTimeout bounds the stop hook once the run context is gone.
const defaultStopTimeout = 10 * time.Second

// Ticker is one cooperative pipeline iteration. *trigger.Pipeline
// implements it.
type Ticker interface {
	Tick(ctx context.Context) trigger.TickReport
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Pipeline Ticker

	// OnStart runs before the first tick; a failure aborts the run.
	OnStart func(ctx context.Context) error

	// OnStop runs after the loop exits, under its own deadline, so shutdown
	// work is not starved by the already-cancelled run context.
	OnStop func(ctx context.Context) error

	// StopTimeout bounds OnStop. Defaults to 10s.
	StopTimeout time.Duration

	// Logger receives worker lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Worker owns the trigger pipeline loop.
type Worker struct {
	pipeline    Ticker
	onStart     func(ctx context.Context) error
	onStop      func(ctx context.Context) error
	stopTimeout time.Duration
	logger      *slog.Logger
}

// NewWorker builds a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	return &Worker{
		pipeline:    cfg.Pipeline,
		onStart:     cfg.OnStart,
		onStop:      cfg.OnStop,
		stopTimeout: stopTimeout,
		logger:      logger,
	}
}

// Run ticks the pipeline until ctx is cancelled. Cancellation is a clean
// shutdown and returns nil; only startup failures and fatal stop-hook errors
// surface.
func (w *Worker) Run(ctx context.Context) error {
	if w.onStart != nil {
		if startErr := w.onStart(ctx); startErr != nil {
			return fmt.Errorf("worker start: %w", startErr)
		}
	}

	w.logger.Info("daemon.worker.started")

	ticks := 0

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("daemon.worker.stopping", slog.Int("ticks", ticks))

			return w.stop()
		default:
		}

		w.pipeline.Tick(ctx)
		ticks++
	}
}

// stop invokes the stop hook under a fresh deadline. Hook failures are
// warnings; cancellation by the stop deadline itself is expected noise, and
// only the fatal set propagates.
func (w *Worker) stop() error {
	if w.onStop == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), w.stopTimeout)
	defer cancel()

	stopErr := w.onStop(stopCtx)

	switch {
	case stopErr == nil:
		return nil
	case errkind.IsFatal(stopErr):
		return fmt.Errorf("worker stop: %w", stopErr)
	case errkind.IsCooperativeCancellation(stopCtx, stopErr):
		w.logger.Debug("daemon.worker.stop_hook_cancelled", slog.String("error", stopErr.Error()))

		return nil
	default:
		w.logger.Warn("daemon.worker.stop_hook_failed", slog.String("error", stopErr.Error()))

		return nil
	}
}
