package history

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"throttleq/internal/eventbus"
	"throttleq/internal/task/engine"
	logx "throttleq/pkg/logx"
)

const appendTimeout = 5 * time.Second

// Recorder turns scheduler outcome events from the bus into stored runs.
type Recorder struct {
	store Store
	log   logx.Logger

	recorded atomic.Uint64
	failed   atomic.Uint64
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// FromEvent builds a Run from a resolve or reject event.
func FromEvent(e engine.Event) Run {
	r := Run{
		RunID:    uuid.NewString(),
		TaskID:   e.ID,
		Started:  e.Time.Add(-e.Duration),
		Duration: e.Duration,
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	return r
}

// Run consumes ch until ctx is done or ch is closed.
func (rec *Recorder) Run(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			rec.handle(ctx, ev)
		}
	}
}

func (rec *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != engine.BusTaskResolved && ev.Type != engine.BusTaskRejected {
		return
	}
	e, ok := ev.Data.(engine.Event)
	if !ok {
		return
	}
	run := FromEvent(e)
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := rec.store.Append(actx, run); err != nil {
		rec.failed.Add(1)
		rec.log.Warn("history append failed", logx.String("task", run.TaskID), logx.Err(err))
		return
	}
	rec.recorded.Add(1)
}

// Stats returns the number of recorded and failed appends.
func (rec *Recorder) Stats() (recorded, failed uint64) {
	return rec.recorded.Load(), rec.failed.Load()
}
