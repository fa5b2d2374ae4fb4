package config

type Config struct {
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`

	// Timers controls the durable deferred-event scheduler.
	Timers TimersConfig `json:"timers"`

	// Maintenance controls cron-driven upkeep (dead-letter pruning, backups).
	// If omitted, maintenance is disabled.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`

	Watchdog WatchdogConfig `json:"watchdog,omitempty"`
}

// DatabaseConfig controls the sqlite persistence layer.
//
// Example:
//
//	"database": { "path": "./warden.db", "busy_timeout": "5s" }
type DatabaseConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s"). 0 means driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
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

// TimersConfig controls dispatch behavior of the timer scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - attempt_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - dispatch_rate_per_sec: 25
type TimersConfig struct {
	// AttemptMax is the total number of handler attempts (first try included)
	// before a timer is dead-lettered.
	AttemptMax int `json:"attempt_max,omitempty"`

	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// DispatchRatePerSec caps handler invocations per second. This matters
	// mostly right after a restart, when a backlog of overdue timers drains
	// in one pass.
	DispatchRatePerSec int `json:"dispatch_rate_per_sec,omitempty"`
}

// MaintenanceConfig controls scheduled upkeep jobs.
//
// Specs accept standard 5-field cron expressions plus descriptors like
// "@hourly" and "@every 30m".
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`

	// DeadLetterTTL is a Go duration string; dead-letter rows older than this
	// are pruned. "0s" disables pruning.
	DeadLetterTTL string `json:"dead_letter_ttl,omitempty"`
	PruneSpec     string `json:"prune_spec,omitempty"`

	BackupSpec string `json:"backup_spec,omitempty"`
	BackupDir  string `json:"backup_dir,omitempty"`
}

// WatchdogConfig controls systemd readiness/watchdog notifications.
type WatchdogConfig struct {
	Enabled bool `json:"enabled"`
}
