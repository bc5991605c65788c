package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/valueforge/orchestrator/internal/config"
	"github.com/valueforge/orchestrator/pkg/loop"
	"github.com/valueforge/orchestrator/pkg/preloop"
)

// maxRestarts and restartBackoff implement the three-layer self-healing
// wrapper's outer layer: the driver itself retries agent calls
// (pkg/agent/breaker) and the value loop retries fix attempts
// (pkg/decision), but a panic or an error that unwinds past the
// driver entirely is this process's responsibility to recover from.
const maxRestarts = 3

var restartBackoff = []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}

// runSupervised loads the config once, builds the app once, and runs
// the sprint to completion, restarting on an unexpected error or
// recovered panic up to maxRestarts times with growing backoff. A
// clean completion, a human pause, or Ctrl-C all stop the supervisor
// without counting as a restart-worthy failure.
func runSupervised(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		// Cancel the run context first so the audit store's Run exits
		// and closes its Done channel, which close waits on.
		stop()
		a.close(context.Background())
	}()

	if err := a.lk.TryAcquire(); err != nil {
		return fmt.Errorf("failed to acquire sprint lock: %w", err)
	}
	defer a.lk.Release()

	var lastErr error
	for attempt := 0; attempt <= maxRestarts; attempt++ {
		if attempt > 0 {
			a.log.Info("restarting driver after failure", "attempt", attempt, "cause", lastErr)
			select {
			case <-time.After(restartBackoff[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		exitCode, err := runOnce(ctx, a)
		if err == nil {
			a.log.Info("sprint finished", "exit_code", exitCode)
			return nil
		}
		if errors.Is(err, loop.ErrPausedForHuman) || errors.Is(err, preloop.ErrAwaitingHumanInput) {
			a.log.Info("sprint paused pending human input")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
	}

	return fmt.Errorf("driver failed after %d restarts: %w", maxRestarts, lastErr)
}

// runOnce recovers a panic from the driver and reports it as an
// ordinary error, so one bad agent response or a bug in a rarely-hit
// branch degrades to a logged restart instead of taking the process
// down.
func runOnce(ctx context.Context, a *app) (exitCode int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()

	if !a.state.GatesPassed["pre_loop_complete"] {
		pl := a.newPreLoop("")
		if err := pl.Run(ctx, a.state); err != nil {
			return 1, err
		}
		if serr := a.store.Save(ctx, a.state); serr != nil {
			a.log.Error(serr, "failed to save state after pre-loop")
		}
	}

	if a.cfg.Loop.Mode == config.LoopModeMultiEpic {
		el := a.newEpicLoop()
		return el.Run(ctx, a.state)
	}

	ld := a.newLoop("")
	return ld.Run(ctx, a.state)
}
