package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle lets one call per key through every interval. It is used to
// keep repeated warnings (a job that keeps failing to enqueue) from
// flooding the log.
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Sometimes
}

func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{every: every, keys: map[string]*rate.Sometimes{}}
}

// Do runs fn unless key already ran within the interval.
func (t *Throttle) Do(key string, fn func()) {
	t.mu.Lock()
	st, ok := t.keys[key]
	if !ok {
		st = &rate.Sometimes{First: 1, Interval: t.every}
		t.keys[key] = st
	}
	t.mu.Unlock()
	st.Do(fn)
}

// Forget drops the state for key so its next call runs immediately.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}
