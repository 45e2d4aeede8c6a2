package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
	"github.com/roman-kulish/polarimetry/internal/monitor"
	"github.com/roman-kulish/polarimetry/internal/stage"
	"github.com/roman-kulish/polarimetry/internal/storage"
	"github.com/roman-kulish/polarimetry/internal/sweep"
)

// runSweep executes or resumes the plan while the monitor, if enabled,
// serves the store and live progress. Cancelling ctx stops the sweep at the
// next coordinate boundary.
func runSweep(
	ctx context.Context,
	config *Config,
	plan *sweep.Plan,
	resume string,
	st stage.Port,
	dig digitizer.Port,
	store storage.Store,
	logger *slog.Logger,
) (*sweep.Run, error) {
	opts := []func(*sweep.Orchestrator){sweep.WithLogger(logger)}
	if d := config.Stage.HomeTimeout; d > 0 {
		opts = append(opts, sweep.WithHomeTimeout(time.Duration(d)))
	}
	if d := config.Stage.MoveTimeout; d > 0 {
		opts = append(opts, sweep.WithMoveTimeout(time.Duration(d)))
	}
	orchestrator := sweep.NewOrchestrator(st, dig, store, opts...)

	monitorErr := make(chan error, 1)
	monitorCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	if addr := config.Monitor.Addr; addr != "" {
		srv := monitor.New(store, monitor.WithLogger(logger), monitor.WithProgress(orchestrator))
		go func() {
			monitorErr <- srv.ListenAndServe(monitorCtx, addr)
		}()
	} else {
		monitorErr <- nil
	}

	started := time.Now()
	var run *sweep.Run
	var err error
	if resume != "" {
		run, err = orchestrator.Resume(ctx, resume, plan)
	} else {
		run, err = orchestrator.Execute(ctx, plan)
	}

	stopMonitor()
	if mErr := <-monitorErr; mErr != nil {
		logger.Warn("monitor stopped", slog.String("error", mErr.Error()))
	}

	if err != nil {
		return nil, fmt.Errorf("running sweep: %w", err)
	}

	logger.Info("run ended",
		slog.String("run", run.ID),
		slog.String("status", string(run.Status)),
		slog.Duration("elapsed", time.Since(started).Round(time.Millisecond)))
	return run, nil
}
