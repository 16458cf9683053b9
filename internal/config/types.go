package config

import logx "throttleq/pkg/logx"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Triggers  TriggersConfig  `json:"triggers"`

	// History is optional; omitted means run history is not recorded.
	History *HistoryConfig `json:"history,omitempty"`
	// Admin is optional; omitted means no HTTP endpoint.
	Admin *AdminConfig `json:"admin,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the throttled scheduler.
//
// Defaults (when fields are omitted):
//   - executors: 2
//   - timeout: "1s" (use "0s" to disable start spacing)
type SchedulerConfig struct {
	Executors int    `json:"executors,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// TriggersConfig controls cron/interval triggering of jobs.
type TriggersConfig struct {
	// Timezone is an IANA TZ name, e.g. "Europe/Berlin". Empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// RunOnStart enqueues every job once at startup, in config order.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// HistoryConfig controls the run-history store.
//
// Driver values:
//   - "file": JSON lines at path
//   - "sqlite": SQLite database at path
//   - "redis": capped list at addr/key
//   - "none" or empty: disabled
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	Addr        string `json:"addr,omitempty"`
	Key         string `json:"key,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AdminConfig controls the admin HTTP server.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9180"); the endpoints can
// enqueue jobs and stop the scheduler.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string `json:"token,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// JobConfig defines one job.
//
// Kinds:
//   - "exec": run Command with Args; stdout is the task value
//   - "log": write Message to the log
//
// Schedule is optional (cron expression, "@every 5m", "10m", "HH:MM");
// a job without a schedule only runs on demand or on start.
type JobConfig struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Dir      string   `json:"dir,omitempty"`
	Env      []string `json:"env,omitempty"`
	Message  string   `json:"message,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Schedule string   `json:"schedule,omitempty"`
}

// Logx maps the logging block to the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}
