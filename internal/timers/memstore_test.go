package timers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for scheduler tests. Ordering matches the
// sqlite implementation: (ExpiresAt, ID) ascending.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Timer
	dead   []deadRow

	// per-method error injection
	failEarliest error
	failDue      error
}

type deadRow struct {
	Timer
	Reason   string
	Attempts int
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]Timer{}}
}

func (m *memStore) CreateTimer(_ context.Context, t Timer) (Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.rows[t.ID] = t
	return t, nil
}

func (m *memStore) CancelTimer(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	delete(m.rows, id)
	return ok, nil
}

func (m *memStore) DueBefore(_ context.Context, cutoff int64) ([]Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDue != nil {
		err := m.failDue
		m.failDue = nil
		return nil, err
	}
	var out []Timer
	for _, t := range m.rows {
		if t.ExpiresAt <= cutoff {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt != out[j].ExpiresAt {
			return out[i].ExpiresAt < out[j].ExpiresAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) EarliestPending(_ context.Context) (*Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEarliest != nil {
		err := m.failEarliest
		m.failEarliest = nil
		return nil, err
	}
	var best *Timer
	for id := range m.rows {
		t := m.rows[id]
		if best == nil || t.ExpiresAt < best.ExpiresAt || (t.ExpiresAt == best.ExpiresAt && t.ID < best.ID) {
			best = &t
		}
	}
	return best, nil
}

func (m *memStore) DeleteTimer(_ context.Context, id, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.rows[id]; ok && t.ExpiresAt == expiresAt {
		delete(m.rows, id)
	}
	return nil
}

func (m *memStore) RescheduleTimer(_ context.Context, id int64, newExpiresAt int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	t.ExpiresAt = newExpiresAt
	m.rows[id] = t
	return true, nil
}

func (m *memStore) MoveDeadLetter(_ context.Context, t Timer, reason string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, t.ID)
	m.dead = append(m.dead, deadRow{Timer: t, Reason: reason, Attempts: attempts})
	return nil
}

func (m *memStore) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) deadLetters() []deadRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]deadRow, len(m.dead))
	copy(out, m.dead)
	return out
}

func (m *memStore) seed(guildID, userID int64, event string, expiresAt int64) Timer {
	t, _ := m.CreateTimer(context.Background(), Timer{
		GuildID: guildID, UserID: userID, Event: event, ExpiresAt: expiresAt,
	})
	return t
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
