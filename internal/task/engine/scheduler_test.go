package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

var allEvents = []string{EventStart, EventStop, EventEnd, EventStartingTask, EventResolve, EventReject, EventNext}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Scheduler) *recorder {
	r := &recorder{}
	for _, name := range allEvents {
		s.On(name, func(e Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(types ...string) []Event {
	var out []Event
	for _, e := range r.all() {
		for _, typ := range types {
			if e.Type == typ {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (r *recorder) count(typ string) int { return len(r.ofType(typ)) }

func (r *recorder) waitCount(t *testing.T, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(typ) >= n }, waitFor, time.Millisecond,
		"waiting for %d %q events", n, typ)
}

func typesOf(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	return s
}

// blocker returns a task that blocks until release is called.
func blocker() (Task, func()) {
	ch := make(chan struct{})
	var once sync.Once
	return func(context.Context) (any, error) {
			<-ch
			return "unblocked", nil
		}, func() {
			once.Do(func() { close(ch) })
		}
}

// gated returns a task that resolves to v once ready is closed.
func gated(ready <-chan struct{}, v any) Task {
	return func(context.Context) (any, error) {
		<-ready
		return v, nil
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestNewDefaults(t *testing.T) {
	s := newTestScheduler(t)
	assert.Equal(t, Options{Executors: 2, Timeout: time.Second}, s.Options())
	assert.Equal(t, StatePending, s.State())
	assert.True(t, s.IsEmpty())
	assert.False(t, s.ShouldRun())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []Option
	}{
		{name: "zero executors", opts: []Option{WithExecutors(0)}},
		{name: "negative executors", opts: []Option{WithExecutors(-3)}},
		{name: "negative timeout", opts: []Option{WithTimeout(-time.Millisecond)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestZeroTimeoutIsValid(t *testing.T) {
	s := newTestScheduler(t, WithTimeout(0), WithExecutors(1))
	assert.Equal(t, time.Duration(0), s.Options().Timeout)
}

func TestEnqueueRejectsNilTask(t *testing.T) {
	s := newTestScheduler(t)
	r := record(s)

	err := s.Enqueue(nil, "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTask))
	var ite *InvalidTaskError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "x", ite.ID)

	assert.True(t, s.IsEmpty())
	assert.Equal(t, StatePending, s.State())
	assert.Empty(t, r.all())
}

func TestSingleExecutorScenario(t *testing.T) {
	const timeout = 10 * time.Millisecond
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(timeout))
	r := record(s)

	ready := make(chan struct{})
	require.NoError(t, s.Enqueue(gated(ready, 0), ""))
	for i := 1; i < 3; i++ {
		require.NoError(t, s.Enqueue(valueTask(i), ""))
	}
	close(ready)
	r.waitCount(t, EventEnd, 1)

	assert.Equal(t,
		[]string{EventResolve, EventResolve, EventResolve, EventStop, EventEnd},
		typesOf(r.ofType(EventResolve, EventStop, EventEnd)))

	starts := r.ofType(EventStartingTask)
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Time.Sub(starts[i-1].Time)
		assert.GreaterOrEqual(t, gap, timeout, "gap between start %d and %d", i-1, i)
	}

	var values []any
	for _, e := range r.ofType(EventResolve) {
		values = append(values, e.Value)
	}
	assert.Equal(t, []any{0, 1, 2}, values)
	assert.Equal(t, StatePending, s.State())
	assert.Equal(t, 1, r.count(EventStart))
}

func TestTwoExecutorsStillRespectSpacing(t *testing.T) {
	const timeout = 50 * time.Millisecond
	s := newTestScheduler(t, WithExecutors(2), WithTimeout(timeout))
	r := record(s)

	slow := func(context.Context) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, nil
	}
	require.NoError(t, s.Enqueue(slow, "a"))
	require.NoError(t, s.Enqueue(slow, "b"))
	r.waitCount(t, EventEnd, 1)

	starts := r.ofType(EventStartingTask)
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Time.Sub(starts[0].Time), timeout)

	// b started while a was still running.
	order := typesOf(r.ofType(EventStartingTask, EventResolve))
	assert.Equal(t, []string{EventStartingTask, EventStartingTask, EventResolve, EventResolve}, order)
}

func TestFirstStartIsImmediate(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(time.Hour))
	r := record(s)

	enqueued := time.Now()
	require.NoError(t, s.Enqueue(valueTask(nil), "first"))
	r.waitCount(t, EventStartingTask, 1)

	assert.Less(t, r.ofType(EventStartingTask)[0].Time.Sub(enqueued), time.Second)
	r.waitCount(t, EventEnd, 1)
}

func TestExecutorLimitNeverExceeded(t *testing.T) {
	const (
		executors = 3
		total     = 30
	)
	s := newTestScheduler(t, WithExecutors(executors), WithTimeout(0))
	r := record(s)

	var inFlight, maxInFlight atomic.Int32
	ready := make(chan struct{})
	for i := 0; i < total; i++ {
		i := i
		require.NoError(t, s.Enqueue(func(context.Context) (any, error) {
			<-ready
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Duration(1+i%4) * time.Millisecond)
			if i%3 == 0 {
				return nil, errors.New("odd failure")
			}
			return i, nil
		}, ""))
	}
	close(ready)
	r.waitCount(t, EventEnd, 1)

	assert.LessOrEqual(t, maxInFlight.Load(), int32(executors))
	assert.Equal(t, total, r.count(EventResolve)+r.count(EventReject))
	assert.Equal(t, 10, r.count(EventReject))

	snap := s.Snapshot()
	assert.Equal(t, uint64(total), snap.Started)
	assert.Equal(t, 0, snap.Running)
	assert.Equal(t, StatePending, snap.State)
}

func TestEnqueueSameIDOverwritesInPlace(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	require.NoError(t, s.Enqueue(block, "block"))
	r.waitCount(t, EventStartingTask, 1)

	require.NoError(t, s.Enqueue(valueTask("dup-1"), "dup"))
	require.NoError(t, s.Enqueue(valueTask("b"), "b"))
	require.NoError(t, s.Enqueue(valueTask("dup-2"), "dup"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"dup", "b"}, s.Pending())

	release()
	r.waitCount(t, EventEnd, 1)

	var values []any
	for _, e := range r.ofType(EventResolve) {
		values = append(values, e.Value)
	}
	assert.Equal(t, []any{"unblocked", "dup-2", "b"}, values)
}

func TestEnqueueExplicitIDTwiceBeforeRun(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	require.NoError(t, s.Enqueue(block, "block"))
	r.waitCount(t, EventStartingTask, 1)

	require.NoError(t, s.Enqueue(valueTask(1), "same"))
	require.NoError(t, s.Enqueue(valueTask(2), "same"))
	assert.Equal(t, 1, s.Len())

	release()
	r.waitCount(t, EventEnd, 1)
	assert.Equal(t, 2, r.count(EventResolve))
}

func TestIsEmptyAndShouldRun(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	defer release()
	require.NoError(t, s.Enqueue(block, ""))
	r.waitCount(t, EventStartingTask, 1)
	require.NoError(t, s.Enqueue(valueTask(1), ""))

	assert.False(t, s.IsEmpty())
	assert.True(t, s.ShouldRun())

	s.Stop()
	assert.True(t, s.IsEmpty())
	assert.False(t, s.ShouldRun())
	assert.Equal(t, StateFinished, s.State())
}

func TestStopDiscardsQueuedTasks(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	require.NoError(t, s.Enqueue(block, "running"))
	r.waitCount(t, EventStartingTask, 1)
	require.NoError(t, s.Enqueue(valueTask("x"), "x"))
	require.NoError(t, s.Enqueue(valueTask("y"), "y"))

	s.Stop()
	assert.Equal(t, 1, r.count(EventStop))
	assert.Equal(t, 0, s.Len())

	release()
	r.waitCount(t, EventEnd, 1)
	// Give a wrongly surviving dispatch loop a chance to misbehave.
	time.Sleep(20 * time.Millisecond)

	starts := r.ofType(EventStartingTask)
	require.Len(t, starts, 1)
	assert.Equal(t, "running", starts[0].ID)
	assert.Equal(t, 1, r.count(EventResolve))
	assert.Equal(t, 0, r.count(EventReject))
	assert.Equal(t, uint64(2), s.Snapshot().Dropped)

	// The in-flight task drained the scheduler: stop again, then end.
	assert.Equal(t, 2, r.count(EventStop))
	assert.Equal(t, 1, r.count(EventEnd))
	assert.Equal(t, StatePending, s.State())
}

func TestStopCancelsPendingGate(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(2), WithTimeout(time.Hour))
	r := record(s)

	require.NoError(t, s.Enqueue(valueTask(1), "first"))
	require.NoError(t, s.Enqueue(valueTask(2), "second"))
	r.waitCount(t, EventStartingTask, 1)

	s.Stop()
	waitIdle(t, s)
	assert.Equal(t, 1, r.count(EventStartingTask))
	assert.Equal(t, "first", r.ofType(EventStartingTask)[0].ID)
}

func TestStopWhileIdle(t *testing.T) {
	s := newTestScheduler(t)
	r := record(s)

	s.Stop()
	assert.Equal(t, []string{EventStop}, typesOf(r.all()))
	assert.Equal(t, StateFinished, s.State())
	assert.False(t, s.ShouldRun())
	waitIdle(t, s)
}

func TestEnqueueAfterStopRestarts(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	s.Stop()
	require.NoError(t, s.Enqueue(valueTask("again"), ""))
	r.waitCount(t, EventEnd, 1)

	assert.Equal(t, 1, r.count(EventStart))
	assert.Equal(t, 1, r.count(EventResolve))
	assert.Equal(t, StatePending, s.State())
}

func TestRejectScenario(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(10*time.Millisecond))
	r := record(s)

	require.NoError(t, s.Enqueue(func(context.Context) (any, error) {
		return nil, errors.New("Error")
	}, ""))
	r.waitCount(t, EventEnd, 1)

	rejects := r.ofType(EventReject)
	require.Len(t, rejects, 1)
	assert.EqualError(t, rejects[0].Err, "Error")
	assert.Equal(t, []string{EventReject, EventNext, EventStop, EventEnd},
		typesOf(r.ofType(EventReject, EventNext, EventStop, EventEnd)))
}

func TestPanickingTaskBecomesReject(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	ready := make(chan struct{})
	require.NoError(t, s.Enqueue(func(context.Context) (any, error) {
		<-ready
		panic("kaboom")
	}, "p"))
	require.NoError(t, s.Enqueue(valueTask("after"), "ok"))
	close(ready)
	r.waitCount(t, EventEnd, 1)

	rejects := r.ofType(EventReject)
	require.Len(t, rejects, 1)
	assert.True(t, IsPanic(rejects[0].Err))
	assert.Equal(t, 1, r.count(EventResolve), "queue keeps going after a panic")
}

func TestTaskNotInvokedBeforeSlotIsFree(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	require.NoError(t, s.Enqueue(block, "holder"))
	r.waitCount(t, EventStartingTask, 1)

	var invoked atomic.Bool
	require.NoError(t, s.Enqueue(func(context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	}, "waiter"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, invoked.Load(), "task ran without a free executor slot")
	assert.Equal(t, 1, s.Snapshot().Running)
	assert.Equal(t, 1, s.Len())

	release()
	require.Eventually(t, invoked.Load, waitFor, time.Millisecond)
	r.waitCount(t, EventEnd, 1)
}

func TestAutoIDsIncrement(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	ready := make(chan struct{})
	require.NoError(t, s.Enqueue(gated(ready, 0), ""))
	require.NoError(t, s.Enqueue(valueTask(1), ""))
	require.NoError(t, s.Enqueue(valueTask(2), ""))
	close(ready)
	r.waitCount(t, EventEnd, 1)

	var ids []string
	for _, e := range r.ofType(EventStartingTask) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestAutoIDWrapsWithoutError(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	defer release()
	require.NoError(t, s.Enqueue(block, "block"))
	r.waitCount(t, EventStartingTask, 1)

	s.mu.Lock()
	s.counter = maxAutoID - 1
	s.mu.Unlock()

	require.NoError(t, s.Enqueue(valueTask(1), ""))
	require.NoError(t, s.Enqueue(valueTask(2), ""))
	assert.Equal(t, []string{"0", "1"}, s.Pending())
}

func TestRemainingIncludesAdmittedTask(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	require.NoError(t, s.Enqueue(block, "a"))
	r.waitCount(t, EventStartingTask, 1)
	require.NoError(t, s.Enqueue(valueTask(nil), "b"))
	require.NoError(t, s.Enqueue(valueTask(nil), "c"))
	release()
	r.waitCount(t, EventEnd, 1)

	var remaining []int
	for _, e := range r.ofType(EventStartingTask) {
		remaining = append(remaining, e.Remaining)
	}
	assert.Equal(t, []int{1, 2, 1}, remaining)
}

func TestNextEmittedForFanOutAndSettle(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(2), WithTimeout(0))
	r := record(s)

	require.NoError(t, s.Enqueue(valueTask(nil), ""))
	r.waitCount(t, EventEnd, 1)

	// One for the spare slot after admission, one after settling.
	assert.Equal(t, 2, r.count(EventNext))
}

func TestRestartAfterDrain(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(5*time.Millisecond))
	r := record(s)

	require.NoError(t, s.Enqueue(valueTask(1), ""))
	r.waitCount(t, EventEnd, 1)
	waitIdle(t, s)

	require.NoError(t, s.Enqueue(valueTask(2), ""))
	r.waitCount(t, EventEnd, 2)

	assert.Equal(t, 2, r.count(EventStart))
	assert.Equal(t, 2, r.count(EventResolve))
	starts := r.ofType(EventStartingTask)
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Time.Sub(starts[0].Time), 5*time.Millisecond)
}

func TestListenerMayEnqueue(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	var once sync.Once
	s.On(EventResolve, func(e Event) {
		if e.ID == "first" {
			once.Do(func() {
				_ = s.Enqueue(valueTask("second"), "second")
			})
		}
	})

	require.NoError(t, s.Enqueue(valueTask("first"), "first"))
	require.Eventually(t, func() bool { return r.count(EventResolve) == 2 }, waitFor, time.Millisecond)
	waitIdle(t, s)
}

func TestUnsubscribe(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	r := record(s)

	var calls atomic.Int32
	off := s.On(EventResolve, func(Event) { calls.Add(1) })
	off()

	require.NoError(t, s.Enqueue(valueTask(nil), ""))
	r.waitCount(t, EventEnd, 1)
	assert.Equal(t, int32(0), calls.Load())
}

func TestTasksReceiveConfiguredContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "marker")
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0), WithContext(ctx))
	r := record(s)

	require.NoError(t, s.Enqueue(func(ctx context.Context) (any, error) {
		return ctx.Value(key{}), nil
	}, ""))
	r.waitCount(t, EventResolve, 1)
	assert.Equal(t, "marker", r.ofType(EventResolve)[0].Value)
}

func TestWaitHonorsContext(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(1), WithTimeout(0))
	block, release := blocker()
	defer release()
	require.NoError(t, s.Enqueue(block, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestTasksRunUnderSupervisor(t *testing.T) {
	s := newTestScheduler(t, WithExecutors(2), WithTimeout(0))
	r := record(s)

	block, release := blocker()
	require.NoError(t, s.Enqueue(block, "a"))
	require.NoError(t, s.Enqueue(valueTask("b"), "b"))
	require.NoError(t, s.Enqueue(valueTask("c"), "c"))
	r.waitCount(t, EventResolve, 2)
	release()
	r.waitCount(t, EventEnd, 1)

	byName := func() map[string]int {
		out := map[string]int{}
		for _, st := range s.Routines() {
			out[st.Name] = st.Active
		}
		return out
	}
	require.Eventually(t, func() bool {
		m := byName()
		return m[routineTask] == 0 && m[routineDispatch] == 0
	}, waitFor, 5*time.Millisecond)

	for _, st := range s.Routines() {
		switch st.Name {
		case routineTask:
			assert.EqualValues(t, 3, st.Started)
			assert.Zero(t, st.Panics)
		case routineDispatch:
			assert.EqualValues(t, 1, st.Started)
		}
	}
}
