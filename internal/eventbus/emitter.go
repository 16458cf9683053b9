package eventbus

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "throttleq/pkg/logx"
)

// Emitter is a synchronous, name-keyed observer registry.
//
// Contract:
//   - Listeners for one name run in subscription order.
//   - Emit runs listeners on the caller's goroutine and returns after the last one.
//   - Emit never holds the registry lock while a listener runs, so listeners
//     may subscribe, unsubscribe or emit again.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]listener[T]
	seq       atomic.Uint64
	log       logx.Logger
	panics    atomic.Uint64
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{listeners: map[string][]listener[T]{}}
}

// SetLogger sets where recovered listener panics are reported. Call it
// before the emitter is shared.
func (e *Emitter[T]) SetLogger(log logx.Logger) { e.log = log }

// Panics reports how many listener panics were recovered.
func (e *Emitter[T]) Panics() uint64 { return e.panics.Load() }

// On registers fn for name and returns a func that removes it.
func (e *Emitter[T]) On(name string, fn func(T)) (off func()) {
	if fn == nil {
		return func() {}
	}
	id := e.seq.Add(1)

	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = map[string][]listener[T]{}
	}
	e.listeners[name] = append(e.listeners[name], listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			ls := e.listeners[name]
			for i := range ls {
				if ls[i].id == id {
					// Copy instead of in-place delete: Emit may be iterating a snapshot.
					next := make([]listener[T], 0, len(ls)-1)
					next = append(next, ls[:i]...)
					next = append(next, ls[i+1:]...)
					e.listeners[name] = next
					break
				}
			}
			if len(e.listeners[name]) == 0 {
				delete(e.listeners, name)
			}
		})
	}
}

// Emit delivers v to every listener registered for name.
// A panicking listener does not prevent later listeners from running.
func (e *Emitter[T]) Emit(name string, v T) {
	e.mu.RLock()
	ls := e.listeners[name]
	e.mu.RUnlock()

	for _, l := range ls {
		e.call(name, l.fn, v)
	}
}

func (e *Emitter[T]) call(name string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.log.Error("listener panic",
				logx.String("event", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn(v)
}

// Listeners reports how many listeners are registered for name.
func (e *Emitter[T]) Listeners(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}
