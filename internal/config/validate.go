package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultExecutors = 2
	DefaultTimeout   = time.Second
)

var validJobKinds = map[string]bool{"exec": true, "log": true}

// SchedulerSettings resolves defaults for the scheduler block.
func (c SchedulerConfig) SchedulerSettings() (executors int, timeout time.Duration, err error) {
	executors = c.Executors
	if executors == 0 {
		executors = DefaultExecutors
	}
	if executors < 0 {
		return 0, 0, fmt.Errorf("scheduler.executors: must be >= 1, got %d", c.Executors)
	}
	timeout, err = ParseDurationOrDefault("scheduler.timeout", c.Timeout, DefaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	return executors, timeout, nil
}

// Validate checks static constraints. Schedule syntax is checked by the
// trigger service, which owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, _, err := cfg.Scheduler.SchedulerSettings(); err != nil {
		errs = append(errs, err)
	}
	if h := cfg.History; h != nil {
		if _, err := ParseDurationField("history.busy_timeout", h.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if h.Limit < 0 {
			errs = append(errs, fmt.Errorf("history.limit: must be >= 0"))
		}
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate job %q", path, name))
		}
		seen[name] = true

		kind := strings.ToLower(strings.TrimSpace(j.Kind))
		if !validJobKinds[kind] {
			errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", path, j.Kind))
		}
		if kind == "exec" && strings.TrimSpace(j.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command: required for exec jobs", path))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
