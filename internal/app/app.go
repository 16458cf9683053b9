// Package app wires configuration, the scheduler and its satellites into
// one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"throttleq/internal/admin"
	"throttleq/internal/config"
	"throttleq/internal/eventbus"
	"throttleq/internal/history"
	"throttleq/internal/jobs"
	"throttleq/internal/metrics"
	"throttleq/internal/runtime/supervisor"
	"throttleq/internal/task/engine"
	"throttleq/internal/task/trigger"
	logx "throttleq/pkg/logx"
)

// ErrRunsFailed is returned by RunOnce when at least one job was rejected.
var ErrRunsFailed = errors.New("one or more jobs failed")

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory

	// taskCtx is handed to every task; cancelled last during Stop.
	taskCtx    context.Context
	cancelTask context.CancelFunc

	sched    *engine.Scheduler
	jobsMu   sync.RWMutex
	jobs     *jobs.Registry
	triggers *trigger.Service
	metrics  *metrics.Metrics
	store    history.Store
	recorder *history.Recorder
	admin    *admin.Server

	offs []func()
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start or RunOnce.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateSchedules)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logs, root := logx.NewService(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	executors, timeout, err := cfg.Scheduler.SchedulerSettings()
	if err != nil {
		return nil, err
	}
	taskCtx, cancelTask := context.WithCancel(context.WithoutCancel(ctx))
	sched, err := engine.New(
		engine.WithExecutors(executors),
		engine.WithTimeout(timeout),
		engine.WithLogger(root.With(logx.String("comp", "scheduler"))),
		engine.WithContext(taskCtx),
	)
	if err != nil {
		cancelTask()
		return nil, err
	}

	reg, err := jobs.Load(cfg.Jobs, root.With(logx.String("comp", "jobs")))
	if err != nil {
		cancelTask()
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logs,
		bus:        eventbus.New(),
		taskCtx:    taskCtx,
		cancelTask: cancelTask,
		sched:      sched,
		jobs:       reg,
		metrics:    metrics.New(),
	}
	a.triggers = trigger.New(trigger.Config{
		Timezone: cfg.Triggers.Timezone,
		Spread:   true,
	}, sched, root.With(logx.String("comp", "triggers")))
	if err := a.registerSchedules(reg); err != nil {
		cancelTask()
		return nil, err
	}

	if hc := cfg.History; hc != nil {
		st, err := openHistory(ctx, *hc, root.With(logx.String("comp", "history")))
		if err != nil {
			cancelTask()
			return nil, err
		}
		if st != nil {
			a.store = st
			a.recorder = history.NewRecorder(st, root.With(logx.String("comp", "history")))
		}
	}

	if ac := cfg.Admin; ac != nil && ac.Enabled {
		a.admin = admin.New(admin.Config{Addr: ac.Addr, Token: ac.Token, Pprof: ac.Pprof}, a.adminDeps(),
			root.With(logx.String("comp", "admin")))
	}

	log.Info("app initialized",
		logx.String("config", cfgPath),
		logx.Int("executors", executors),
		logx.Duration("timeout", timeout),
		logx.Int("jobs", reg.Len()),
	)
	return a, nil
}

func openHistory(ctx context.Context, hc config.HistoryConfig, log logx.Logger) (history.Store, error) {
	busy, err := config.ParseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, time.Second)
	if err != nil {
		return nil, err
	}
	return history.Open(ctx, history.Config{
		Driver:      hc.Driver,
		Path:        hc.Path,
		Addr:        hc.Addr,
		Key:         hc.Key,
		Limit:       hc.Limit,
		BusyTimeout: busy,
	}, log)
}

// validateSchedules rejects configs whose schedules do not parse.
func validateSchedules(_ context.Context, cfg *config.Config) error {
	probe := trigger.New(trigger.Config{}, nil, logx.Logger{})
	var errs []error
	for _, j := range cfg.Jobs {
		if strings.TrimSpace(j.Schedule) == "" {
			continue
		}
		if err := probe.Validate(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%s].schedule: %w", j.Name, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

// registerSchedules replaces every trigger with the scheduled jobs of reg.
func (a *App) registerSchedules(reg *jobs.Registry) error {
	for _, info := range a.triggers.Schedules() {
		if _, ok := reg.Get(info.Name); !ok {
			a.triggers.Remove(info.Name)
		}
	}
	var errs []error
	for _, j := range reg.All() {
		if j.Schedule == "" {
			a.triggers.Remove(j.Name)
			continue
		}
		if err := a.triggers.Add(j.Name, j.Schedule, j.Task()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) adminDeps() admin.Deps {
	deps := admin.Deps{
		Scheduler: a.sched,
		RunJob:    a.runJob,
		Schedules: a.triggers.Schedules,
		Metrics:   a.metrics.Handler(),
	}
	if a.store != nil {
		deps.History = a.store
	}
	return deps
}

func (a *App) runJob(name string) error {
	err := a.currentJobs().Enqueue(a.sched, name)
	if errors.Is(err, jobs.ErrUnknownJob) {
		return fmt.Errorf("%w: %v", admin.ErrNotFound, err)
	}
	return err
}

func (a *App) currentJobs() *jobs.Registry {
	a.jobsMu.RLock()
	defer a.jobsMu.RUnlock()
	return a.jobs
}

func (a *App) Scheduler() *engine.Scheduler { return a.sched }

func (a *App) Metrics() http.Handler { return a.metrics.Handler() }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// observe hooks metrics, bus forwarding and the lifecycle log onto the scheduler.
func (a *App) observe() {
	a.offs = append(a.offs,
		a.metrics.Observe(a.sched),
		a.sched.Forward(a.bus),
		a.sched.On(engine.EventStart, func(engine.Event) { a.log.Debug("run cycle started") }),
		a.sched.On(engine.EventEnd, func(engine.Event) { a.log.Debug("run cycle ended") }),
	)
}

// Start runs the daemon: config watch, triggers, history, admin.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.observe()

	if a.recorder != nil {
		ch, unsub := a.bus.Subscribe(256, engine.BusTaskResolved, engine.BusTaskRejected)
		a.offs = append(a.offs, unsub)
		a.sup.Go("history.recorder", func(c context.Context) error { return a.recorder.Run(c, ch) })
	}
	if a.admin != nil {
		a.sup.GoRestart("admin.server", a.admin.Run, supervisor.WithMaxRestarts(5))
	}

	cfgCh := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c, cfgCh)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if err := a.triggers.Start(); err != nil {
		return err
	}
	if a.cfgm.Get().Triggers.RunOnStart {
		a.enqueueAll()
	}

	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

func (a *App) enqueueAll() int {
	n := 0
	for _, j := range a.currentJobs().All() {
		if err := a.sched.Enqueue(j.Task(), j.Name); err != nil {
			a.log.Warn("job enqueue failed", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		n++
	}
	return n
}

// RunOnce enqueues every job once, waits for the scheduler to drain and
// returns ErrRunsFailed if any run was rejected.
func (a *App) RunOnce(ctx context.Context) error {
	a.observe()
	if a.recorder != nil {
		a.offs = append(a.offs, a.sched.On(engine.EventResolve, a.recordNow), a.sched.On(engine.EventReject, a.recordNow))
	}

	n := a.enqueueAll()
	a.log.Info("running jobs once", logx.Int("jobs", n))
	if err := a.sched.Wait(ctx); err != nil {
		a.sched.Stop()
		return err
	}
	snap := a.sched.Snapshot()
	a.log.Info("all jobs settled", logx.Uint64("resolved", snap.Resolved), logx.Uint64("rejected", snap.Rejected))
	if snap.Rejected > 0 {
		return fmt.Errorf("%w: %d of %d", ErrRunsFailed, snap.Rejected, snap.Started)
	}
	return nil
}

// recordNow stores a run synchronously; used in once mode where no
// recorder goroutine runs.
func (a *App) recordNow(e engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Append(ctx, history.FromEvent(e)); err != nil {
		a.log.Warn("history append failed", logx.String("task", e.ID), logx.Err(err))
	}
}
