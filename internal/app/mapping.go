package app

import (
	"fmt"

	"warden/internal/config"
	"warden/internal/services/maintenance"
	"warden/internal/storage"
	"warden/internal/timers"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("database.busy_timeout", cfg.Database.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Database.Path
	if path == "" {
		path = "./warden.db"
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapTimersConfig(cfg *config.Config) (timers.Config, error) {
	if cfg.Timers.AttemptMax < 0 {
		return timers.Config{}, fmt.Errorf("timers.attempt_max must be >= 0")
	}
	if cfg.Timers.DispatchRatePerSec < 0 {
		return timers.Config{}, fmt.Errorf("timers.dispatch_rate_per_sec must be >= 0")
	}
	retryBase, err := config.ParseDurationField("timers.retry_base", cfg.Timers.RetryBase)
	if err != nil {
		return timers.Config{}, err
	}
	retryMax, err := config.ParseDurationField("timers.retry_max_delay", cfg.Timers.RetryMaxDelay)
	if err != nil {
		return timers.Config{}, err
	}
	return timers.Config{
		AttemptMax:         cfg.Timers.AttemptMax,
		RetryBase:          retryBase,
		RetryMaxDelay:      retryMax,
		DispatchRatePerSec: cfg.Timers.DispatchRatePerSec,
	}, nil
}

// mapMaintenanceConfig returns enabled=false when the section is omitted or
// explicitly disabled.
func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, bool, error) {
	m := cfg.Maintenance
	if m == nil || !m.Enabled {
		return maintenance.Config{}, false, nil
	}
	ttl, err := config.ParseDurationField("maintenance.dead_letter_ttl", m.DeadLetterTTL)
	if err != nil {
		return maintenance.Config{}, false, err
	}
	return maintenance.Config{
		DeadLetterTTL: ttl,
		PruneSpec:     m.PruneSpec,
		BackupSpec:    m.BackupSpec,
		BackupDir:     m.BackupDir,
	}, true, nil
}

// validateConfig is the hot-reload gate: a config that fails here is rejected
// without disturbing the running services.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTimersConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	return nil
}
