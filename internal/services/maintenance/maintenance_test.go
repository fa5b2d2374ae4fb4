package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/storage"
	"warden/internal/timers"
	logx "warden/pkg/logx"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "warden.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	svc := New(Config{BackupDir: t.TempDir()}, db, logx.Nop())

	require.NoError(t, svc.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	// Stop again is a no-op.
	svc.Stop(ctx)
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	svc := New(Config{PruneSpec: "not a cron spec"}, db, logx.Nop())
	require.Error(t, svc.Start(context.Background()))

	svc = New(Config{BackupDir: t.TempDir(), BackupSpec: "61 * * * *"}, db, logx.Nop())
	require.Error(t, svc.Start(context.Background()))
}

func TestPruneRemovesExpiredDeadLetters(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureGuild(ctx, 1))

	tm, err := db.CreateTimer(ctx, timers.Timer{GuildID: 1, UserID: 2, Event: "a", ExpiresAt: 100})
	require.NoError(t, err)
	require.NoError(t, db.MoveDeadLetter(ctx, tm, "boom", 1))

	// TTL of an hour keeps a just-failed row.
	svc := New(Config{DeadLetterTTL: time.Hour}, db, logx.Nop())
	svc.prune(ctx)
	dead, err := db.DeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, dead, 1)

	svc = New(Config{DeadLetterTTL: time.Nanosecond}, db, logx.Nop())
	time.Sleep(time.Millisecond)
	svc.prune(ctx)
	dead, err = db.DeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestBackupWritesAndRotates(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureGuild(ctx, 1))

	dir := t.TempDir()
	svc := New(Config{BackupDir: dir, KeepBackups: 2}, db, logx.Nop())

	// Pre-seed fake old backups so rotation has something to remove.
	for _, name := range []string{
		backupPrefix + "20200101-000000.db",
		backupPrefix + "20200102-000000.db",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o644))
	}

	svc.backup(ctx)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// The oldest file is the one rotated out.
	for _, e := range entries {
		assert.NotEqual(t, backupPrefix+"20200101-000000.db", e.Name())
	}

	// The fresh backup is a usable database.
	var fresh string
	for _, e := range entries {
		if e.Name() != backupPrefix+"20200102-000000.db" {
			fresh = e.Name()
		}
	}
	require.NotEmpty(t, fresh)
	copyDB, err := storage.Open(storage.Config{Path: filepath.Join(dir, fresh)}, logx.Nop())
	require.NoError(t, err)
	defer copyDB.Close()
	guilds, err := copyDB.Guilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, guilds)
}
