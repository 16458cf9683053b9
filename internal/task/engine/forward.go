package engine

import "throttleq/internal/eventbus"

// Bus event types published by Forward.
const (
	BusTaskStarted  = "task.started"
	BusTaskResolved = "task.resolved"
	BusTaskRejected = "task.rejected"
	BusStopped      = "scheduler.stopped"
)

// Forward republishes task lifecycle events on bus with the Event as Data.
// Delivery to slow bus subscribers is best-effort.
func (s *Scheduler) Forward(bus eventbus.Bus) (off func()) {
	pub := func(typ string) func(Event) {
		return func(e Event) { bus.Publish(eventbus.Event{Type: typ, Time: e.Time, Data: e}) }
	}
	offs := []func(){
		s.On(EventStartingTask, pub(BusTaskStarted)),
		s.On(EventResolve, pub(BusTaskResolved)),
		s.On(EventReject, pub(BusTaskRejected)),
		s.On(EventStop, pub(BusStopped)),
	}
	return func() {
		for _, f := range offs {
			f()
		}
	}
}
