package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "jobrunner/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like
// tokens), and (3) the names of jobs that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oEng := derefEngine(oldCfg.Engine)
	nEng := derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oEng, nEng) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.EngineEnabled()),
			logx.Int("engine.workers", nEng.Workers),
			logx.Int("engine.queue_size", nEng.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nEng.DefaultTimeout)),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.total", len(newCfg.Jobs)),
		)
	}

	if storageChanged(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs,
			logx.String("storage.driver", driver),
			logx.Bool("storage.path_set", pathSet),
		)
	}

	if adminChanged(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		var addr string
		var enabled, tokenSet bool
		if newCfg.Admin != nil {
			addr = strings.TrimSpace(newCfg.Admin.Addr)
			enabled = newCfg.Admin.Enabled
			tokenSet = strings.TrimSpace(newCfg.Admin.Token) != ""
		}
		attrs = append(attrs,
			logx.Bool("admin.enabled", enabled),
			logx.String("admin.addr", addr),
			logx.Bool("admin.token_set", tokenSet),
		)
	}

	if notifyChanged(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		var enabled, tokenSet bool
		if newCfg.Notify != nil {
			enabled = newCfg.Notify.Enabled
			tokenSet = strings.TrimSpace(newCfg.Notify.Token) != ""
		}
		attrs = append(attrs,
			logx.Bool("notify.enabled", enabled),
			logx.Bool("notify.token_set", tokenSet),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func storageChanged(o, n *StorageConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

func adminChanged(o, n *AdminConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

func notifyChanged(o, n *NotifyConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

// diffJobs returns the names of jobs whose definition changed, plus added
// and removed jobs.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := map[string]JobConfig{}
	for _, j := range oldJobs {
		oldM[j.Name] = j
	}
	newM := map[string]JobConfig{}
	for _, j := range newJobs {
		newM[j.Name] = j
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !jobEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func jobEqual(a, b JobConfig) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return hashBytes(ab) == hashBytes(bb)
}
