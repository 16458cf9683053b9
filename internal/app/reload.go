package app

import (
	"context"
	"strings"

	"throttleq/internal/config"
	"throttleq/internal/jobs"
	"throttleq/internal/task/trigger"
	logx "throttleq/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, ch <-chan *config.Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			a.apply(ctx, prev, next)
			prev = next
		}
	}
}

// apply hot-swaps what can change at runtime: logging, jobs and their
// schedules, trigger timezone. Scheduler limits, history and admin settings
// only take effect after a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sum := config.SummarizeConfigChange(prev, next)
	if sum.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, sec := range sum.Sections {
		switch sec {
		case "logging":
			a.logs.Apply(next.Logging.Logx())
		case "triggers":
			if err := a.triggers.Apply(ctx, trigger.Config{Timezone: next.Triggers.Timezone, Spread: true}); err != nil {
				a.log.Warn("trigger reconfigure failed", logx.Err(err))
			}
		case "jobs":
			reg, err := jobs.Load(next.Jobs, a.log.With(logx.String("comp", "jobs")))
			if err != nil {
				a.log.Warn("invalid jobs; keeping previous", logx.Err(err))
				continue
			}
			a.jobsMu.Lock()
			a.jobs = reg
			a.jobsMu.Unlock()
			if err := a.registerSchedules(reg); err != nil {
				a.log.Warn("schedule registration failed", logx.Err(err))
			}
		case "scheduler", "history", "admin":
			a.log.Warn("config section changed; restart required", logx.String("section", sec))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Sections, ","))}, sum.Fields...)
	a.log.Info("config reloaded", fields...)
}
