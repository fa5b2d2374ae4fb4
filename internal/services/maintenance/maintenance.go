// Package maintenance runs the periodic housekeeping jobs: pruning old
// dead-letter rows and taking database backups.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/storage"
	logx "warden/pkg/logx"
)

const backupPrefix = "warden-"

type Config struct {
	// DeadLetterTTL is how long dead-letter rows are kept before pruning.
	DeadLetterTTL time.Duration

	// PruneSpec and BackupSpec are standard 5-field cron expressions.
	PruneSpec  string
	BackupSpec string

	// BackupDir enables backups when non-empty.
	BackupDir string

	// KeepBackups caps how many backup files are retained.
	KeepBackups int
}

func (c Config) withDefaults() Config {
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = 30 * 24 * time.Hour
	}
	if strings.TrimSpace(c.PruneSpec) == "" {
		c.PruneSpec = "17 3 * * *"
	}
	if strings.TrimSpace(c.BackupSpec) == "" {
		c.BackupSpec = "47 4 * * *"
	}
	if c.KeepBackups <= 0 {
		c.KeepBackups = 14
	}
	return c
}

type Service struct {
	cfg  Config
	db   *storage.DB
	log  logx.Logger
	cron *cron.Cron
}

func New(cfg Config, db *storage.DB, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), db: db, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.PruneSpec, func() { s.prune(ctx) }); err != nil {
		return fmt.Errorf("prune spec %q: %w", s.cfg.PruneSpec, err)
	}
	if s.cfg.BackupDir != "" {
		if _, err := c.AddFunc(s.cfg.BackupSpec, func() { s.backup(ctx) }); err != nil {
			return fmt.Errorf("backup spec %q: %w", s.cfg.BackupSpec, err)
		}
	}
	c.Start()
	s.cron = c
	s.log.Info("maintenance started",
		logx.String("prune_spec", s.cfg.PruneSpec),
		logx.Bool("backups", s.cfg.BackupDir != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.cron = nil
	s.log.Info("maintenance stopped")
}

func (s *Service) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.DeadLetterTTL)
	n, err := s.db.PruneDeadLetters(ctx, cutoff)
	if err != nil {
		s.log.Error("dead-letter prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("dead-letter rows pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
}

func (s *Service) backup(ctx context.Context) {
	name := backupPrefix + time.Now().UTC().Format("20060102-150405") + ".db"
	dest := filepath.Join(s.cfg.BackupDir, name)
	if err := s.db.BackupTo(ctx, dest); err != nil {
		s.log.Error("backup failed", logx.String("dest", dest), logx.Err(err))
		return
	}
	s.log.Info("backup written", logx.String("dest", dest))

	if err := s.rotateBackups(); err != nil {
		s.log.Warn("backup rotation failed", logx.Err(err))
	}
}

// rotateBackups removes the oldest backup files beyond KeepBackups. Backup
// names embed a UTC timestamp, so lexical order is chronological order.
func (s *Service) rotateBackups() error {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.cfg.KeepBackups {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.cfg.KeepBackups] {
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, name)); err != nil {
			return err
		}
	}
	return nil
}
