// Package history records finished task runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "throttleq/pkg/logx"
)

// DefaultLimit is the number of runs kept when Config.Limit is 0.
const DefaultLimit = 1000

// Run is one finished task execution.
type Run struct {
	RunID    string        `json:"run_id"`
	TaskID   string        `json:"task_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (r Run) OK() bool { return r.Error == "" }

// Store persists runs. Recent returns up to n runs, newest first.
type Store interface {
	Append(ctx context.Context, r Run) error
	Recent(ctx context.Context, n int) ([]Run, error)
	Close() error
}

// Config selects and configures a Store.
//
// Driver values:
//   - "file": JSON lines at Path
//   - "sqlite": SQLite database at Path
//   - "redis": list at Key on Addr
//   - "" or "none": disabled
type Config struct {
	Driver      string
	Path        string
	Addr        string
	Key         string
	Limit       int
	BusyTimeout time.Duration // sqlite only
}

func (c Config) limit() int {
	if c.Limit > 0 {
		return c.Limit
	}
	return DefaultLimit
}

var ErrUnknownDriver = errors.New("unknown history driver")

// Open returns the configured store, or (nil, nil) when history is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "redis":
		st, err = openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s history: %w", driver, err)
	}
	log.Info("history store opened", logx.String("driver", driver), logx.Int("limit", cfg.limit()))
	return st, nil
}
