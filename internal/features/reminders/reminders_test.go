package reminders

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/storage"
	"warden/internal/timers"
	logx "warden/pkg/logx"
)

type fakeNotifier struct {
	mu       sync.Mutex
	channels map[int64][]string
	users    map[int64][]string
	fail     error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{channels: map[int64][]string{}, users: map[int64][]string{}}
}

func (f *fakeNotifier) NotifyChannel(_ context.Context, channelID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.channels[channelID] = append(f.channels[channelID], content)
	return nil
}

func (f *fakeNotifier) NotifyUser(_ context.Context, userID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.users[userID] = append(f.users[userID], content)
	return nil
}

func (f *fakeNotifier) channelMsgs(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channels[id]...)
}

func (f *fakeNotifier) userMsgs(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users[id]...)
}

type fixture struct {
	db     *storage.DB
	svc    *Service
	timers *timers.Service
	notify *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "warden.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureGuild(context.Background(), 1))

	reg := timers.NewRegistry()
	ts := timers.New(timers.Config{
		AttemptMax:         3,
		RetryBase:          time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
		DispatchRatePerSec: 1000,
	}, db, reg, logx.Nop(), nil)

	notify := newFakeNotifier()
	svc := New(db, ts, notify, logx.Nop())
	require.NoError(t, svc.Register(reg))

	ts.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ts.Stop(ctx)
	})
	return &fixture{db: db, svc: svc, timers: ts, notify: notify}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestReminderDeliversToChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), 1, 7, 42, time.Now().Add(30*time.Millisecond),
		"stretch your legs", "https://chat.example/jump/1", nil)
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool { return len(f.notify.channelMsgs(42)) == 1 }))
	msg := f.notify.channelMsgs(42)[0]
	assert.Contains(t, msg, "<@7>")
	assert.Contains(t, msg, "stretch your legs")
	assert.Contains(t, msg, "https://chat.example/jump/1")
}

func TestReminderDeliversByDMWithoutChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), 1, 7, 0, time.Now().Add(30*time.Millisecond),
		"drink water", "", nil)
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool { return len(f.notify.userMsgs(7)) == 1 }))
}

func TestReminderAdditionalRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), 1, 7, 42, time.Now().Add(30*time.Millisecond),
		"standup", "", []int64{8, 9})
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool {
		return len(f.notify.channelMsgs(42)) == 1 &&
			len(f.notify.userMsgs(8)) == 1 &&
			len(f.notify.userMsgs(9)) == 1
	}))
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := f.svc.Create(ctx, 1, 7, 0, at, strings.Repeat("x", maxMessageLen+1), "", nil)
	require.ErrorIs(t, err, ErrMessageTooLong)

	_, err = f.svc.Create(ctx, 1, 7, 0, at, "hi", "", make([]int64, maxRecipients+1))
	require.ErrorIs(t, err, ErrTooManyRecipient)

	for i := 0; i < maxPerUser; i++ {
		_, err = f.svc.Create(ctx, 1, 7, 0, at, "hi", "", nil)
		require.NoError(t, err)
	}
	_, err = f.svc.Create(ctx, 1, 7, 0, at, "one too many", "", nil)
	require.ErrorIs(t, err, ErrTooManyPending)
}

func TestListDeleteSnoozeOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tm, err := f.svc.Create(ctx, 1, 7, 0, time.Now().Add(time.Hour), "later", "", nil)
	require.NoError(t, err)

	list, err := f.svc.List(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Another user can neither snooze nor delete it.
	_, err = f.svc.Snooze(ctx, 1, 99, tm.ID, time.Now().Add(2*time.Hour))
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.Delete(ctx, 1, 99, tm.ID)
	require.ErrorIs(t, err, ErrNotOwner)

	ok, err := f.svc.Snooze(ctx, 1, 7, tm.ID, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Delete(ctx, 1, 7, tm.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Unknown ids report false, not an error.
	ok, err = f.svc.Delete(ctx, 1, 7, tm.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedPayloadDeadLetters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.timers.Schedule(ctx, 1, 7, 0, EventKind, time.Now().Add(20*time.Millisecond), "{not json")
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool {
		dead, derr := f.db.DeadLetters(ctx, 1)
		return derr == nil && len(dead) == 1
	}))
	dead, err := f.db.DeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, dead[0].Reason, "malformed reminder payload")
	assert.Empty(t, f.notify.userMsgs(7))
}

func TestTransportErrorRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.notify.fail = errors.New("gateway unavailable")

	_, err := f.svc.Create(context.Background(), 1, 7, 0, time.Now().Add(20*time.Millisecond), "hi", "", nil)
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool {
		dead, derr := f.db.DeadLetters(context.Background(), 1)
		return derr == nil && len(dead) == 1
	}))
	dead, err := f.db.DeadLetters(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, dead[0].Attempts)
}
