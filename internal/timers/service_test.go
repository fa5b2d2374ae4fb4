package timers

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

func fastConfig() Config {
	return Config{
		AttemptMax:         3,
		RetryBase:          time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
		DispatchRatePerSec: 1000,
	}
}

func startService(t *testing.T, store Store, reg *Registry, bus eventbus.Bus) *Service {
	t.Helper()
	svc := New(fastConfig(), store, reg, logx.Nop(), bus)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

// recorder collects handler invocations in order.
type recorder struct {
	mu    sync.Mutex
	fired []int64
}

func (r *recorder) handler(_ context.Context, t Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, t.ID)
	return nil
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.fired))
	copy(out, r.fired)
	return out
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	h := func(context.Context, Timer) error { return nil }

	require.NoError(t, reg.Register("reminder", h))
	require.ErrorIs(t, reg.Register("reminder", h), ErrDuplicateHandler)
	require.Error(t, reg.Register("", h))
	require.Error(t, reg.Register("x", nil))
	require.Equal(t, []string{"reminder"}, reg.Kinds())
}

func TestScheduleFiresAtDeadline(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	svc := startService(t, store, reg, nil)

	tm, err := svc.Schedule(context.Background(), 1, 2, 0, "reminder", time.Now().Add(40*time.Millisecond), "")
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool { return len(rec.ids()) == 1 }))
	assert.Equal(t, []int64{tm.ID}, rec.ids())
	assert.Zero(t, store.pendingCount())
}

func TestOverdueTimersFireOnStartup(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	// Seeded before the service starts, already past due: the first loop pass
	// is the recovery pass.
	tm := store.seed(1, 2, "reminder", time.Now().Add(-time.Hour).UnixMilli())

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, nil)

	require.True(t, waitFor(2*time.Second, func() bool { return len(rec.ids()) == 1 }))
	assert.Equal(t, []int64{tm.ID}, rec.ids())
}

func TestCancelBeforeDeadlineNeverFires(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	svc := startService(t, store, reg, nil)

	tm, err := svc.Schedule(context.Background(), 1, 2, 0, "reminder", time.Now().Add(60*time.Millisecond), "")
	require.NoError(t, err)

	ok, err := svc.Cancel(context.Background(), tm.ID)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.ids())
	assert.Zero(t, store.pendingCount())

	// A second cancel is a clean no-op.
	ok, err = svc.Cancel(context.Background(), tm.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSameInstantFiresInIDOrder(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	at := time.Now().Add(-time.Second).UnixMilli()
	a := store.seed(1, 2, "reminder", at)
	b := store.seed(1, 2, "reminder", at)
	c := store.seed(1, 2, "reminder", at)

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, nil)

	require.True(t, waitFor(2*time.Second, func() bool { return len(rec.ids()) == 3 }))
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, rec.ids())
}

func TestEarlierSubmissionPreemptsWait(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	svc := startService(t, store, reg, nil)

	// Park the loop on a far deadline, then submit a near one.
	far, err := svc.Schedule(context.Background(), 1, 2, 0, "reminder", time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	near, err := svc.Schedule(context.Background(), 1, 2, 0, "reminder", time.Now().Add(40*time.Millisecond), "")
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool { return len(rec.ids()) == 1 }))
	assert.Equal(t, []int64{near.ID}, rec.ids())

	ok, err := svc.Cancel(context.Background(), far.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRescheduleEarlierFires(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	svc := startService(t, store, reg, nil)

	tm, err := svc.Schedule(context.Background(), 1, 2, 0, "reminder", time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	ok, err := svc.Reschedule(context.Background(), tm.ID, time.Now().Add(40*time.Millisecond))
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, waitFor(2*time.Second, func() bool { return len(rec.ids()) == 1 }))
	assert.Equal(t, []int64{tm.ID}, rec.ids())

	ok, err = svc.Reschedule(context.Background(), tm.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandlerRearmKeepsTimer(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()

	var (
		svc   *Service
		mu    sync.Mutex
		calls int
	)
	// First firing re-arms the same timer from inside the handler; the
	// post-dispatch cleanup must not remove the re-armed row.
	require.NoError(t, reg.Register("digest", func(ctx context.Context, tm Timer) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			ok, err := svc.Reschedule(ctx, tm.ID, time.Now().Add(30*time.Millisecond))
			if err == nil && !ok {
				return errors.New("timer vanished during re-arm")
			}
			return err
		}
		return nil
	}))
	svc = startService(t, store, reg, nil)

	_, err := svc.Schedule(context.Background(), 1, 2, 0, "digest", time.Now().Add(10*time.Millisecond), "")
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}))
	require.True(t, waitFor(time.Second, func() bool { return store.pendingCount() == 0 }))
	assert.Empty(t, store.deadLetters())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, reg.Register("flaky", func(context.Context, Timer) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("temporarily unavailable")
		}
		return nil
	}))
	store.seed(1, 2, "flaky", time.Now().UnixMilli())
	startService(t, store, reg, nil)

	require.True(t, waitFor(2*time.Second, func() bool { return store.pendingCount() == 0 }))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
	assert.Empty(t, store.deadLetters())
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, reg.Register("broken", func(context.Context, Timer) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("still down")
	}))
	tm := store.seed(1, 2, "broken", time.Now().UnixMilli())
	startService(t, store, reg, nil)

	require.True(t, waitFor(2*time.Second, func() bool { return len(store.deadLetters()) == 1 }))
	dead := store.deadLetters()[0]
	assert.Equal(t, tm.ID, dead.ID)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "still down", dead.Reason)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, reg.Register("doomed", func(context.Context, Timer) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return Permanent(errors.New("channel deleted"))
	}))
	store.seed(1, 2, "doomed", time.Now().UnixMilli())
	startService(t, store, reg, nil)

	require.True(t, waitFor(2*time.Second, func() bool { return len(store.deadLetters()) == 1 }))
	dead := store.deadLetters()[0]
	assert.Equal(t, 1, dead.Attempts)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestUnknownEventKindDeadLetters(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.seed(1, 2, "retired.kind", time.Now().UnixMilli())
	store.seed(1, 2, "reminder", time.Now().UnixMilli())

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, nil)

	// The unroutable timer is parked, and the pass still dispatches the rest.
	require.True(t, waitFor(2*time.Second, func() bool {
		return len(store.deadLetters()) == 1 && len(rec.ids()) == 1
	}))
	assert.Equal(t, "no handler registered", store.deadLetters()[0].Reason)
}

func TestFailureIsolatedPerTimer(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	at := time.Now().UnixMilli()
	store.seed(1, 2, "doomed", at)
	good := store.seed(1, 2, "reminder", at+1)

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("doomed", func(context.Context, Timer) error {
		return Permanent(errors.New("nope"))
	}))
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, nil)

	require.True(t, waitFor(2*time.Second, func() bool { return len(rec.ids()) == 1 }))
	assert.Equal(t, []int64{good.ID}, rec.ids())
	assert.Len(t, store.deadLetters(), 1)
}

func TestStoreErrorBacksOffAndRecovers(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.failEarliest = errors.New("disk hiccup")
	store.seed(1, 2, "reminder", time.Now().UnixMilli())

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, nil)

	require.True(t, waitFor(3*time.Second, func() bool { return len(rec.ids()) == 1 }))
}

func TestFiredAndDeadLetterBusEvents(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	store.seed(1, 2, "reminder", time.Now().UnixMilli())
	store.seed(1, 2, "unknown", time.Now().UnixMilli())

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, bus)

	got := map[string]FiredEvent{}
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch:
			got[e.Type] = e.Data.(FiredEvent)
		case <-deadline:
			t.Fatalf("timed out, saw %d events", len(got))
		}
	}
	assert.Equal(t, "reminder", got[EventFired].Event)
	assert.Empty(t, got[EventFired].Reason)
	assert.Equal(t, "unknown", got[EventDeadLetter].Event)
	assert.NotEmpty(t, got[EventDeadLetter].Reason)
}

func TestStopLeavesPendingTimers(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))

	svc := New(fastConfig(), store, reg, logx.Nop(), nil)
	svc.Start(context.Background())

	_, err := svc.Schedule(context.Background(), 1, 2, 0, "reminder", time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)

	assert.Equal(t, 1, store.pendingCount())
	assert.Empty(t, rec.ids())

	// Stop is idempotent, Start after Stop resumes from the store.
	svc.Stop(ctx)
}

func TestPermanentErrorUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("gone")
	err := Permanent(base)
	require.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))
}

func TestDispatchOrderMatchesDeadlineOrder(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	rng := rand.New(rand.NewSource(42))

	base := time.Now().Add(-time.Minute).UnixMilli()
	type key struct{ expires, id int64 }
	var keys []key
	for i := 0; i < 20; i++ {
		tm := store.seed(1, 2, "reminder", base+rng.Int63n(1000))
		keys = append(keys, key{tm.ExpiresAt, tm.ID})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].expires != keys[j].expires {
			return keys[i].expires < keys[j].expires
		}
		return keys[i].id < keys[j].id
	})
	want := make([]int64, len(keys))
	for i, k := range keys {
		want[i] = k.id
	}

	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("reminder", rec.handler))
	startService(t, store, reg, nil)

	require.True(t, waitFor(3*time.Second, func() bool { return len(rec.ids()) == len(want) }))
	assert.Equal(t, want, rec.ids())
}
