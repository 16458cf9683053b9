package engine

import (
	"context"
	"fmt"
	"time"

	logx "throttleq/pkg/logx"
)

const (
	DefaultExecutors = 2
	DefaultTimeout   = time.Second
)

type settings struct {
	opts Options
	log  logx.Logger
	ctx  context.Context
}

// Option configures a Scheduler.
type Option func(*settings)

// WithExecutors sets how many tasks may run concurrently (>= 1).
func WithExecutors(n int) Option {
	return func(s *settings) { s.opts.Executors = n }
}

// WithTimeout sets the minimum spacing between consecutive task starts (>= 0).
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.opts.Timeout = d }
}

func WithLogger(log logx.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithContext sets the context handed to every task. Stop does not cancel it.
func WithContext(ctx context.Context) Option {
	return func(s *settings) { s.ctx = ctx }
}

func newSettings(opts ...Option) settings {
	s := settings{
		opts: Options{Executors: DefaultExecutors, Timeout: DefaultTimeout},
		ctx:  context.Background(),
	}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Validate reports configuration errors. Errors wrap ErrInvalidConfig.
func (o Options) Validate() error {
	if o.Executors < 1 {
		return fmt.Errorf("%w: executors must be >= 1, got %d", ErrInvalidConfig, o.Executors)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidConfig, o.Timeout)
	}
	return nil
}
