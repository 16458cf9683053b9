package engine

import (
	"context"
	"time"
)

// Task is a unit of deferred work. The returned value is published with the
// resolve event; a non-nil error is published with the reject event.
type Task func(ctx context.Context) (any, error)

// State is the scheduler lifecycle state.
type State int32

const (
	// StatePending: no run loop active, ready for new work.
	StatePending State = iota
	// StateRunning: run loop active, dispatching.
	StateRunning
	// StateFinished: stopped explicitly or drained; the backlog is empty.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event names.
const (
	EventStart        = "start"
	EventStop         = "stop"
	EventEnd          = "end"
	EventStartingTask = "starting_task"
	EventResolve      = "resolve"
	EventReject       = "reject"
	EventNext         = "next"
)

// Event is delivered to listeners registered with Scheduler.On.
//
// Field usage by type:
//   - starting_task: ID, Remaining (backlog size including the task being started)
//   - resolve: ID, Value, Duration
//   - reject: ID, Err, Duration
//   - start, stop, end, next: no payload
type Event struct {
	Type      string
	Time      time.Time
	ID        string
	Remaining int
	Value     any
	Err       error
	Duration  time.Duration
}

// Options is the effective scheduler configuration.
type Options struct {
	// Executors is the max number of tasks in flight.
	Executors int
	// Timeout is the minimum spacing between two consecutive task starts.
	Timeout time.Duration
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State     State         `json:"state"`
	Executors int           `json:"executors"`
	Timeout   time.Duration `json:"timeout"`
	Running   int           `json:"running"`
	Backlog   int           `json:"backlog"`
	LastStart time.Time     `json:"last_start"`

	Started  uint64 `json:"started"`
	Resolved uint64 `json:"resolved"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}
