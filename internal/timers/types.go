package timers

import (
	"context"
	"time"
)

// Timer is one pending deferred event.
//
// ExpiresAt is a unix-millisecond instant. ChannelID is optional; 0 means
// the event is not bound to a channel and is persisted as NULL.
type Timer struct {
	ID        int64
	GuildID   int64
	UserID    int64
	ChannelID int64
	Event     string
	ExpiresAt int64
	Notes     string
}

// ExpiryTime returns ExpiresAt as a time.Time.
func (t Timer) ExpiryTime() time.Time { return time.UnixMilli(t.ExpiresAt) }

// Store is the persistence contract the scheduler depends on.
// All mutations are single-row and atomic; the store is the single source
// of truth for pending timers.
type Store interface {
	// CreateTimer persists a new pending timer and returns it with the
	// store-assigned ID filled in. The guild must exist (foreign key).
	CreateTimer(ctx context.Context, t Timer) (Timer, error)

	// CancelTimer removes a pending timer. It reports whether the timer
	// existed; cancelling an unknown or already-fired id is not an error.
	CancelTimer(ctx context.Context, id int64) (bool, error)

	// DueBefore returns every pending timer with ExpiresAt <= cutoff,
	// ordered by (ExpiresAt, ID) ascending.
	DueBefore(ctx context.Context, cutoff int64) ([]Timer, error)

	// EarliestPending returns the soonest-expiring pending timer, or nil
	// when no timers are pending.
	EarliestPending(ctx context.Context) (*Timer, error)

	// DeleteTimer removes a timer after successful dispatch, but only while
	// its expiry still matches expiresAt. A mismatch means the timer was
	// re-armed (a handler or a concurrent caller rescheduled it) after the
	// firing copy was read; the re-armed row must survive. Deleting an
	// already-removed id is a no-op.
	DeleteTimer(ctx context.Context, id, expiresAt int64) error

	// RescheduleTimer atomically replaces a pending timer's expiry, keeping
	// its identity. It reports whether the timer existed.
	RescheduleTimer(ctx context.Context, id int64, newExpiresAt int64) (bool, error)

	// MoveDeadLetter removes the timer from the pending set and records it
	// in the dead-letter table with the failure reason and attempt count.
	MoveDeadLetter(ctx context.Context, t Timer, reason string, attempts int) error
}

// Handler is invoked when a timer fires. Returning nil completes the timer.
// A plain error is treated as transient and retried with backoff; wrap with
// Permanent to dead-letter immediately.
type Handler func(ctx context.Context, t Timer) error

// Config controls dispatch behavior.
type Config struct {
	// AttemptMax is the total number of handler attempts (first try
	// included) before a timer is dead-lettered.
	AttemptMax int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DispatchRatePerSec caps handler invocations per second across a drain
	// pass. 0 applies the default; mostly relevant when a restart releases
	// a backlog of overdue timers at once.
	DispatchRatePerSec int
}

func (c Config) withDefaults() Config {
	if c.AttemptMax <= 0 {
		c.AttemptMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.DispatchRatePerSec <= 0 {
		c.DispatchRatePerSec = 25
	}
	return c
}

// Eventbus event types published by the scheduler.
const (
	EventFired      = "timer.fired"
	EventDeadLetter = "timer.deadletter"
)

// FiredEvent is the bus payload for EventFired and EventDeadLetter.
type FiredEvent struct {
	TimerID  int64
	GuildID  int64
	Event    string
	Attempts int
	Reason   string // empty on success
}
