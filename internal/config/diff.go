package config

import (
	"reflect"
	"sort"
	"strings"

	logx "throttleq/pkg/logx"
)

// ChangeSummary describes what differs between two configs.
type ChangeSummary struct {
	Sections []string
	Fields   []logx.Field

	JobsAdded   []string
	JobsRemoved []string
	JobsChanged []string
}

func (s ChangeSummary) Empty() bool { return len(s.Sections) == 0 }

// SummarizeConfigChange compares two configs for a reload log line.
// Sections that need a restart to take effect are still reported.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary

	if oldCfg.Logging != newCfg.Logging {
		s.Sections = append(s.Sections, "logging")
		s.Fields = append(s.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		s.Sections = append(s.Sections, "scheduler")
		s.Fields = append(s.Fields,
			logx.Int("scheduler.executors", newCfg.Scheduler.Executors),
			logx.String("scheduler.timeout", strings.TrimSpace(newCfg.Scheduler.Timeout)),
		)
	}
	if oldCfg.Triggers != newCfg.Triggers {
		s.Sections = append(s.Sections, "triggers")
		s.Fields = append(s.Fields, logx.String("triggers.timezone", newCfg.Triggers.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		s.Sections = append(s.Sections, "history")
		if newCfg.History != nil {
			s.Fields = append(s.Fields, logx.String("history.driver", newCfg.History.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		s.Sections = append(s.Sections, "admin")
		if newCfg.Admin != nil {
			s.Fields = append(s.Fields,
				logx.Bool("admin.enabled", newCfg.Admin.Enabled),
				logx.String("admin.addr", newCfg.Admin.Addr),
				logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
				logx.Bool("admin.pprof", newCfg.Admin.Pprof),
			)
		}
	}

	oldJobs := indexJobs(oldCfg.Jobs)
	newJobs := indexJobs(newCfg.Jobs)
	for name, nj := range newJobs {
		oj, ok := oldJobs[name]
		switch {
		case !ok:
			s.JobsAdded = append(s.JobsAdded, name)
		case !reflect.DeepEqual(oj, nj):
			s.JobsChanged = append(s.JobsChanged, name)
		}
	}
	for name := range oldJobs {
		if _, ok := newJobs[name]; !ok {
			s.JobsRemoved = append(s.JobsRemoved, name)
		}
	}
	sort.Strings(s.JobsAdded)
	sort.Strings(s.JobsRemoved)
	sort.Strings(s.JobsChanged)
	if len(s.JobsAdded)+len(s.JobsRemoved)+len(s.JobsChanged) > 0 {
		s.Sections = append(s.Sections, "jobs")
		s.Fields = append(s.Fields,
			logx.Any("jobs.added", s.JobsAdded),
			logx.Any("jobs.removed", s.JobsRemoved),
			logx.Any("jobs.changed", s.JobsChanged),
		)
	}
	return s
}

func indexJobs(jobs []JobConfig) map[string]JobConfig {
	m := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		m[strings.TrimSpace(j.Name)] = j
	}
	return m
}
