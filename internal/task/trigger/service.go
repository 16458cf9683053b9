package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"throttleq/internal/task/engine"
	logx "throttleq/pkg/logx"
)

const enqueueWarnEvery = 30 * time.Second

// Enqueuer is the part of the scheduler the trigger service needs.
type Enqueuer interface {
	Enqueue(task engine.Task, id string) error
}

type Config struct {
	// Timezone is an IANA name; empty means time.Local.
	Timezone string
	// Spread delays the first firing of interval schedules by a random
	// amount up to min(interval, 30s).
	Spread bool
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Kind string    `json:"kind"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
}

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	task    engine.Task
	entryID cron.EntryID
}

// Service fires schedules into an Enqueuer.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	target Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   map[string]*scheduleDef

	warn *logx.Throttle
}

func New(cfg Config, target Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		target: target,
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
		warn:   logx.NewThrottle(enqueueWarnEvery),
	}
}

// Validate checks that schedule parses and, for cron forms, that the
// expression is accepted.
func (s *Service) Validate(schedule string) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// Add registers or replaces the schedule called name. While the service
// is stopped the definition is kept and registered on Start.
func (s *Service) Add(name, schedule string, task engine.Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if task == nil {
		return errors.New("task required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", name, ps.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &scheduleDef{name: name, spec: ps, task: task}
	// The previous definition stays registered until its replacement is.
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	if prev, ok := s.defs[name]; ok && s.c != nil && prev.entryID != 0 {
		s.c.Remove(prev.entryID)
	}
	s.defs[name] = d
	return nil
}

// Remove unregisters name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.warn.Forget(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *scheduleDef) error {
	fire := cron.FuncJob(func() { s.fire(d.name, d.task) })
	var (
		id  cron.EntryID
		err error
	)
	if d.spec.Kind == SpecInterval && s.cfg.Spread {
		sched, jitter := intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		id = s.c.Schedule(sched, fire)
		s.log.Debug("interval schedule spread", logx.String("name", d.name), logx.Duration("jitter", jitter))
	} else {
		id, err = s.c.AddJob(d.spec.CronSpec(), fire)
		if err != nil {
			return err
		}
	}
	d.entryID = id
	s.log.Debug("schedule registered",
		logx.String("name", d.name),
		logx.String("spec", d.spec.CronSpec()),
		logx.Time("next", s.c.Entry(id).Next),
	)
	return nil
}

// fire enqueues the task under the schedule name; a run still queued from
// the previous firing is replaced in place.
func (s *Service) fire(name string, task engine.Task) {
	err := s.target.Enqueue(task, name)
	if err == nil {
		s.log.Trace("schedule fired", logx.String("name", name))
		return
	}
	s.warn.Do(name, func() {
		s.log.Warn("schedule enqueue failed", logx.String("name", name), logx.Err(err))
	})
}

// RunNow enqueues the named schedules immediately, in the given order.
func (s *Service) RunNow(names ...string) error {
	s.mu.Lock()
	tasks := make([]*scheduleDef, 0, len(names))
	var missing []string
	for _, n := range names {
		if d, ok := s.defs[n]; ok {
			tasks = append(tasks, d)
		} else {
			missing = append(missing, n)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, d := range tasks {
		if err := s.target.Enqueue(d.task, d.name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("unknown schedules: %s", strings.Join(missing, ", ")))
	}
	return errors.Join(errs...)
}

// Start starts cron triggering. Calling Start twice is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	var errs []error
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", d.name, err))
		}
	}
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
	return errors.Join(errs...)
}

// Stop stops triggering and waits for in-progress firings, bounded by ctx.
// Definitions are kept for a later Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("triggers stopped")
}

// Apply updates the config; a timezone change restarts a running service.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	running := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()
	if !changed || !running {
		return nil
	}
	s.Stop(ctx)
	return s.Start()
}

// Schedules lists registered schedules sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec.CronSpec(), Kind: d.spec.Kind.String()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
