// Package jobs builds scheduler tasks from configured job definitions.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"throttleq/internal/config"
	"throttleq/internal/task/engine"
	logx "throttleq/pkg/logx"
)

const (
	KindExec = "exec"
	KindLog  = "log"
)

// maxOutput caps captured stdout/stderr per run.
const maxOutput = 64 << 10

const waitDelay = time.Second

var ErrUnknownJob = errors.New("unknown job")

// Job is one named, runnable definition.
type Job struct {
	Name     string
	Kind     string
	Schedule string
	Timeout  time.Duration

	command string
	args    []string
	dir     string
	env     []string
	message string

	log logx.Logger
}

// ExitError is returned when an exec job exits non-zero.
type ExitError struct {
	Job    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("job %s: exit status %d", e.Job, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// FromConfig builds a Job. cfg is expected to have passed config.Validate.
func FromConfig(cfg config.JobConfig, log logx.Logger) (*Job, error) {
	timeout, err := config.ParseDurationField("timeout", cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", cfg.Name, err)
	}
	j := &Job{
		Name:     strings.TrimSpace(cfg.Name),
		Kind:     strings.ToLower(strings.TrimSpace(cfg.Kind)),
		Schedule: strings.TrimSpace(cfg.Schedule),
		Timeout:  timeout,
		command:  cfg.Command,
		args:     append([]string(nil), cfg.Args...),
		dir:      cfg.Dir,
		env:      append([]string(nil), cfg.Env...),
		message:  cfg.Message,
		log:      log.With(logx.String("job", strings.TrimSpace(cfg.Name))),
	}
	switch j.Kind {
	case KindExec, KindLog:
	default:
		return nil, fmt.Errorf("job %s: unknown kind %q", j.Name, cfg.Kind)
	}
	return j, nil
}

// Task returns the scheduler task for this job.
func (j *Job) Task() engine.Task {
	return func(ctx context.Context) (any, error) {
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		switch j.Kind {
		case KindExec:
			return j.runExec(ctx)
		default:
			j.log.Info(j.message)
			return j.message, nil
		}
	}
}

// runExec returns trimmed stdout as the task value.
func (j *Job) runExec(ctx context.Context) (any, error) {
	cmd := exec.CommandContext(ctx, j.command, j.args...)
	cmd.Dir = j.dir
	// Children that inherit the pipes must not hold Wait open after a kill.
	cmd.WaitDelay = waitDelay
	if len(j.env) > 0 {
		cmd.Env = append(os.Environ(), j.env...)
	}
	stdout := &capped{limit: maxOutput}
	stderr := &capped{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	j.log.Debug("command finished",
		logx.String("command", j.command),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, ctx.Err())
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &ExitError{Job: j.Name, Code: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// capped keeps the first limit bytes and discards the rest.
type capped struct {
	bytes.Buffer
	limit int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.limit - c.Len(); room > 0 {
		if len(p) > room {
			c.Buffer.Write(p[:room])
		} else {
			c.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// Registry holds jobs by name in config order.
type Registry struct {
	order []*Job
	byKey map[string]*Job
}

// Load builds a registry from config job entries.
func Load(cfgs []config.JobConfig, log logx.Logger) (*Registry, error) {
	r := &Registry{byKey: make(map[string]*Job, len(cfgs))}
	var errs []error
	for _, c := range cfgs {
		j, err := FromConfig(c, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byKey[j.Name]; dup {
			errs = append(errs, fmt.Errorf("job %s: duplicate name", j.Name))
			continue
		}
		r.order = append(r.order, j)
		r.byKey[j.Name] = j
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Job, bool) {
	j, ok := r.byKey[name]
	return j, ok
}

func (r *Registry) All() []*Job { return append([]*Job(nil), r.order...) }

func (r *Registry) Len() int { return len(r.order) }

// Enqueue submits the named job with its name as the task id.
func (r *Registry) Enqueue(s *engine.Scheduler, name string) error {
	j, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.Enqueue(j.Task(), j.Name)
}
