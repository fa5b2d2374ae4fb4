package config

import (
	"reflect"
	"sort"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. It is used when a hot reload commits a new
// config so the operator can see at a glance what moved.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Database.Path) != strings.TrimSpace(newCfg.Database.Path) ||
		strings.TrimSpace(oldCfg.Database.BusyTimeout) != strings.TrimSpace(newCfg.Database.BusyTimeout) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.Bool("database.path_set", strings.TrimSpace(newCfg.Database.Path) != ""),
			logx.String("database.busy_timeout", strings.TrimSpace(newCfg.Database.BusyTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Timers != newCfg.Timers {
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.attempt_max", newCfg.Timers.AttemptMax),
			logx.String("timers.retry_base", strings.TrimSpace(newCfg.Timers.RetryBase)),
			logx.String("timers.retry_max_delay", strings.TrimSpace(newCfg.Timers.RetryMaxDelay)),
			logx.Int("timers.dispatch_rate_per_sec", newCfg.Timers.DispatchRatePerSec),
		)
	}

	// Maintenance section may be nil (omitted == disabled).
	oM := derefMaintenance(oldCfg.Maintenance)
	nM := derefMaintenance(newCfg.Maintenance)
	if !reflect.DeepEqual(oM, nM) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", nM.Enabled),
			logx.String("maintenance.prune_spec", strings.TrimSpace(nM.PruneSpec)),
			logx.String("maintenance.backup_spec", strings.TrimSpace(nM.BackupSpec)),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}
