package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	return m
}

func TestFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").With(String("comp", "test"))

	log.Info("hello",
		Int("n", 3),
		Bool("ok", true),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("boom")),
	)

	m := decodeLine(t, &buf)
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 3, m["n"])
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")

	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	assert.NotPanics(t, func() {
		log.With(String("a", "b")).Error("nothing", Any("x", struct{}{}))
	})
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":   LevelTrace,
		" DEBUG ": LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })
	child := log.With(String("comp", "child"))

	child.Info("to first")
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}})
	child.Info("filtered")
	child.Error("to second")
	require.NoError(t, svc.Close())

	b1, err := os.ReadFile(first)
	require.NoError(t, err)
	b2, err := os.ReadFile(second)
	require.NoError(t, err)

	assert.Contains(t, string(b1), "to first")
	assert.NotContains(t, string(b2), "filtered")
	assert.Contains(t, string(b2), "to second")
	assert.Contains(t, string(b2), `"comp":"child"`)
	assert.Equal(t, "error", strings.ToLower(svc.Config().Level))
}

func TestThrottlePerKey(t *testing.T) {
	th := NewThrottle(time.Hour)
	calls := map[string]int{}
	for range 3 {
		th.Do("a", func() { calls["a"]++ })
		th.Do("b", func() { calls["b"]++ })
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, calls)

	th.Forget("a")
	th.Do("a", func() { calls["a"]++ })
	assert.Equal(t, 2, calls["a"])
}

func TestDurationRendersAsString(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").Info("x", Duration("took", 1500*time.Millisecond))
	assert.Equal(t, "1.5s", decodeLine(t, &buf)["took"])
}
