package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"throttleq/internal/eventbus"
	rtsup "throttleq/internal/runtime/supervisor"
	logx "throttleq/pkg/logx"
)

// maxAutoID keeps generated ids inside the range every JSON consumer can
// represent exactly (2^53 - 1).
const maxAutoID = 1<<53 - 1

const warnThrottleEvery = 5 * time.Second

// Goroutine names used with the supervisor.
const (
	routineDispatch = "engine.dispatch"
	routineTask     = "engine.task"
)

// Scheduler runs tasks with at most Executors in flight and at least Timeout
// between two consecutive task starts. Tasks start in FIFO order.
//
// Listeners registered with On are called synchronously, outside the
// scheduler lock, and possibly from several goroutines at once.
type Scheduler struct {
	opts   Options
	log    logx.Logger
	ctx    context.Context
	events *eventbus.Emitter[Event]
	// sup owns the run-loop and task goroutines.
	sup *rtsup.Supervisor

	mu        sync.Mutex
	state     State
	backlog   *backlog
	running   int
	counter   uint64
	prevStart time.Time
	timer     *time.Timer

	// cycle is the active run loop; nil when no loop runs.
	cycle *cycle
	// idle is closed while no run cycle is active and no task is in flight.
	idle       chan struct{}
	idleClosed bool

	started  atomic.Uint64
	resolved atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64

	failWarn rate.Sometimes
}

// New builds a scheduler. Invalid options return an error wrapping ErrInvalidConfig.
func New(opts ...Option) (*Scheduler, error) {
	st := newSettings(opts...)
	if err := st.opts.Validate(); err != nil {
		return nil, err
	}
	idle := make(chan struct{})
	close(idle)
	events := eventbus.NewEmitter[Event]()
	events.SetLogger(st.log)
	return &Scheduler{
		opts:       st.opts,
		log:        st.log,
		ctx:        st.ctx,
		events:     events,
		sup:        rtsup.New(st.ctx, rtsup.WithLogger(st.log.With(logx.String("comp", "engine")))),
		state:      StatePending,
		backlog:    newBacklog(),
		idle:       idle,
		idleClosed: true,
		failWarn:   rate.Sometimes{Interval: warnThrottleEvery},
	}, nil
}

// Routines reports the dispatcher and task goroutines started so far.
func (s *Scheduler) Routines() []rtsup.RoutineStats { return s.sup.Snapshot() }

// On subscribes fn to the named event and returns an unsubscribe func.
func (s *Scheduler) On(event string, fn func(Event)) (off func()) {
	return s.events.On(event, fn)
}

func (s *Scheduler) Options() Options { return s.opts }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsEmpty reports whether the backlog has no entries.
func (s *Scheduler) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.len() == 0
}

// ShouldRun reports whether the run loop has work: a non-empty backlog and a
// state other than finished.
func (s *Scheduler) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.len() > 0 && s.state != StateFinished
}

// Len returns the backlog size.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.len()
}

// Pending returns the queued ids in dispatch order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.ids()
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:     s.state,
		Executors: s.opts.Executors,
		Timeout:   s.opts.Timeout,
		Running:   s.running,
		Backlog:   s.backlog.len(),
		LastStart: s.prevStart,
	}
	s.mu.Unlock()
	snap.Started = s.started.Load()
	snap.Resolved = s.resolved.Load()
	snap.Rejected = s.rejected.Load()
	snap.Dropped = s.dropped.Load()
	return snap
}

// Enqueue adds task to the backlog under id. An empty id gets the next value
// of the scheduler's counter. Enqueueing an id that is already queued
// replaces the task in place. The run loop is started if it is not running.
func (s *Scheduler) Enqueue(task Task, id string) error {
	if task == nil {
		return &InvalidTaskError{ID: id, Reason: "task func is nil"}
	}

	s.mu.Lock()
	if id == "" {
		s.counter = (s.counter + 1) % maxAutoID
		id = strconv.FormatUint(s.counter, 10)
	}
	replaced := s.backlog.set(id, task)
	size := s.backlog.len()
	idle := s.state != StateRunning
	s.signalLocked()
	s.mu.Unlock()

	if replaced {
		s.log.Debug("task.replaced", logx.String("id", id), logx.Int("backlog", size))
	} else {
		s.log.Trace("task.enqueued", logx.String("id", id), logx.Int("backlog", size))
	}

	if idle {
		s.start()
	}
	return nil
}

// Stop cancels the pending start timer and drops every queued task.
// Tasks already in flight run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	n := s.stopLocked()
	s.mu.Unlock()

	s.log.Debug("scheduler.stopped", logx.Int("dropped", n))
	s.emit(Event{Type: EventStop})
}

// Wait blocks until no run cycle is active and no task is in flight.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) start() {
	s.mu.Lock()
	if s.state == StateRunning || s.backlog.len() == 0 {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	c := newCycle()
	s.cycle = c
	if s.idleClosed {
		s.idle = make(chan struct{})
		s.idleClosed = false
	}
	s.mu.Unlock()

	s.log.Debug("scheduler.started", logx.Int("executors", s.opts.Executors), logx.Duration("timeout", s.opts.Timeout))
	s.emit(Event{Type: EventStart})
	s.sup.Go(routineDispatch, func(context.Context) error {
		s.run(c)
		return nil
	})
}

// finish releases the slot of a settled task and drains the scheduler when
// nothing is left to do.
func (s *Scheduler) finish() {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	s.signalLocked()
	drained := s.running == 0 && s.backlog.len() == 0
	if drained {
		s.stopLocked()
		s.state = StatePending
	}
	s.mu.Unlock()

	if drained {
		s.log.Debug("scheduler.drained")
		s.emit(Event{Type: EventStop})
		s.emit(Event{Type: EventEnd})
	}
}

// stopLocked is the stop sequence: timer, backlog, state, run cycle.
func (s *Scheduler) stopLocked() int {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	n := s.backlog.clear()
	if n > 0 {
		s.dropped.Add(uint64(n))
	}
	s.state = StateFinished
	if s.cycle != nil {
		close(s.cycle.halt)
		s.cycle = nil
	}
	if s.running == 0 && !s.idleClosed {
		close(s.idle)
		s.idleClosed = true
	}
	return n
}

func (s *Scheduler) signalLocked() {
	if s.cycle == nil {
		return
	}
	select {
	case s.cycle.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.events.Emit(e.Type, e)
}
