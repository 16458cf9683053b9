package app

import (
	"context"
	"fmt"
	"time"

	logx "throttleq/pkg/logx"
)

// Stop shuts down in order: triggers, scheduler drain, supervised
// goroutines, history store, logging. Each step is bounded by its own
// budget and by ctx.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	notifyStopping(a.log)

	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error {
		a.triggers.Stop(c)
		return nil
	})
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop()
		return a.sched.Wait(c)
	})
	a.cancelTask()
	for _, off := range a.offs {
		off()
	}
	a.offs = nil

	if a.sup != nil {
		a.step(ctx, "supervisor", 3*time.Second, a.sup.Stop)
	}
	if a.store != nil {
		a.step(ctx, "history", time.Second, func(context.Context) error { return a.store.Close() })
	}

	if a.recorder != nil {
		recorded, failed := a.recorder.Stats()
		_, dropped := a.bus.Stats()
		a.log.Info("history summary",
			logx.Uint64("recorded", recorded),
			logx.Uint64("failed", failed),
			logx.Uint64("bus_dropped", dropped),
		)
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with a deadline of min(budget, ctx). A step that overruns is
// abandoned and logged when it eventually returns.
func (a *App) step(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("step", name), logx.Err(err))
			}
		}()
	}
}
