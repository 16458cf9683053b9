package engine

import (
	"context"
	"runtime/debug"
	"time"

	logx "throttleq/pkg/logx"
)

// cycle is one activation of the run loop, from start until the stop sequence.
type cycle struct {
	// halt is closed by the stop sequence.
	halt chan struct{}
	// wake nudges the loop after an enqueue or a slot release.
	wake chan struct{}
}

func newCycle() *cycle {
	return &cycle{halt: make(chan struct{}), wake: make(chan struct{}, 1)}
}

// run is the dispatch loop of one run cycle. Each iteration waits for a
// queued task and a free slot, then for the start gate, then admits the
// head of the backlog.
func (s *Scheduler) run(c *cycle) {
	for {
		if !s.awaitWork(c) {
			return
		}
		if !s.awaitGate(c) {
			return
		}
		s.dispatch(c)
	}
}

// awaitWork blocks until the backlog is non-empty and a slot is free.
// Slot availability is checked before the gate so a task is never picked
// without a slot reserved for it.
func (s *Scheduler) awaitWork(c *cycle) bool {
	for {
		s.mu.Lock()
		if s.cycle != c {
			s.mu.Unlock()
			return false
		}
		ready := s.backlog.len() > 0 && s.running < s.opts.Executors
		s.mu.Unlock()
		if ready {
			return true
		}

		select {
		case <-c.wake:
		case <-c.halt:
			return false
		}
	}
}

// awaitGate waits until Timeout has elapsed since the previous start.
// The first start of a scheduler is immediate.
func (s *Scheduler) awaitGate(c *cycle) bool {
	s.mu.Lock()
	if s.cycle != c {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	if s.prevStart.IsZero() {
		s.prevStart = now.Add(-s.opts.Timeout)
	}
	remaining := s.opts.Timeout - now.Sub(s.prevStart)
	if remaining <= 0 {
		s.mu.Unlock()
		return true
	}
	t := time.NewTimer(remaining)
	s.timer = t
	s.mu.Unlock()

	select {
	case <-t.C:
		s.mu.Lock()
		if s.timer == t {
			s.timer = nil
		}
		s.mu.Unlock()
		return true
	case <-c.halt:
		t.Stop()
		return false
	}
}

// dispatch admits the head of the backlog into a free slot and launches it.
func (s *Scheduler) dispatch(c *cycle) {
	s.mu.Lock()
	if s.cycle != c || s.running >= s.opts.Executors {
		s.mu.Unlock()
		return
	}
	// Remaining counts the admitted entry too.
	remaining := s.backlog.len()
	id, task, ok := s.backlog.shift()
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.prevStart = now
	s.running++
	running := s.running
	spare := s.running < s.opts.Executors
	s.started.Add(1)
	s.mu.Unlock()

	s.log.Debug("task.started", logx.String("id", id), logx.Int("running", running), logx.Int("backlog", remaining-1))
	s.emit(Event{Type: EventStartingTask, Time: now, ID: id, Remaining: remaining})
	if spare {
		s.emit(Event{Type: EventNext})
	}

	s.sup.Go(routineTask, func(context.Context) error {
		s.execute(id, task, now)
		return nil
	})
}

// execute runs one admitted task and publishes its outcome.
// Task errors and panics never escape; they become reject events.
func (s *Scheduler) execute(id string, task Task, started time.Time) {
	v, err := s.invoke(task)
	dur := time.Since(started)

	if err != nil {
		s.rejected.Add(1)
		s.failWarn.Do(func() {
			s.log.Warn("task.failed", logx.String("id", id), logx.Err(err), logx.Duration("dur", dur), logx.Uint64("rejected_total", s.rejected.Load()))
		})
		s.emit(Event{Type: EventReject, ID: id, Err: err, Duration: dur})
	} else {
		s.resolved.Add(1)
		s.log.Debug("task.completed", logx.String("id", id), logx.Duration("dur", dur))
		s.emit(Event{Type: EventResolve, ID: id, Value: v, Duration: dur})
	}

	s.emit(Event{Type: EventNext})
	s.finish()
}

func (s *Scheduler) invoke(task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			v = nil
			err = &PanicError{Value: r, Stack: stack}
			s.log.Error("task.panic", logx.Any("panic", r), logx.Stack(stack))
		}
	}()
	v, err = task(s.ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}
