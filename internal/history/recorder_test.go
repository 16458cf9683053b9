package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttleq/internal/eventbus"
	"throttleq/internal/task/engine"
	logx "throttleq/pkg/logx"
)

func TestFromEvent(t *testing.T) {
	now := time.Now()
	r := FromEvent(engine.Event{Type: engine.EventReject, Time: now, ID: "x", Err: errors.New("bad"), Duration: time.Second})
	assert.Equal(t, "x", r.TaskID)
	assert.Equal(t, "bad", r.Error)
	assert.Equal(t, now.Add(-time.Second), r.Started)
	assert.Len(t, r.RunID, 36)

	assert.NotEqual(t, r.RunID, FromEvent(engine.Event{ID: "x"}).RunID)
}

func TestRecorderStoresSchedulerOutcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	s, err := engine.New(engine.WithExecutors(1), engine.WithTimeout(0))
	require.NoError(t, err)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	defer s.Forward(bus)()

	rec := NewRecorder(st, logx.Nop())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, ch) }()

	require.NoError(t, s.Enqueue(func(context.Context) (any, error) { return "ok", nil }, "good"))
	require.NoError(t, s.Enqueue(func(context.Context) (any, error) { return nil, errors.New("nope") }, "bad"))

	require.Eventually(t, func() bool {
		n, _ := rec.Stats()
		return n == 2
	}, 3*time.Second, 5*time.Millisecond)

	runs, err := st.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byTask := map[string]Run{runs[0].TaskID: runs[0], runs[1].TaskID: runs[1]}
	assert.True(t, byTask["good"].OK())
	assert.Equal(t, "nope", byTask["bad"].Error)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
}
