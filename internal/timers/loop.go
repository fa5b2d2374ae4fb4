package timers

import (
	"context"
	"time"

	logx "warden/pkg/logx"
)

const (
	queryBackoffBase = 500 * time.Millisecond
	queryBackoffMax  = 30 * time.Second
)

// run is the scheduler loop. Each iteration recomputes the next wake
// deadline from the store, so a wake signal never needs to carry a payload:
// whatever changed, re-reading the store yields the truth.
//
// The first iteration doubles as crash recovery: timers that came due while
// the process was down satisfy the due-query immediately.
func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := queryBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}

		next, err := s.store.EarliestPending(ctx)
		if err != nil {
			s.log.Warn("earliest-pending query failed; backing off", logx.Err(err), logx.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = growBackoff(backoff)
			continue
		}
		backoff = queryBackoffBase

		if next == nil {
			s.setIdle()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		s.setWaiting(next.ID, next.ExpiresAt)
		if delay := time.Duration(next.ExpiresAt-s.nowMilli()) * time.Millisecond; delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-s.wake:
				// A submission or cancellation may have changed which timer
				// is soonest; recompute rather than trust the old deadline.
				tmr.Stop()
				s.setWaiting(0, 0)
				continue
			case <-tmr.C:
			}
		}
		s.setWaiting(0, 0)

		s.drain(ctx)
	}
}

// drain dispatches every timer due at or before now, in (expires_at, id)
// order. An empty due-set is normal: the wake may have been a cancellation
// or a later-dated insert.
func (s *Service) drain(ctx context.Context) {
	due, ok := s.dueWithRetry(ctx)
	if !ok || len(due) == 0 {
		return
	}
	s.log.Debug("draining due timers", logx.Int("count", len(due)))
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, due[i])
	}
}

// dueWithRetry treats a failing due-query as transient: the loop pauses with
// backoff and retries rather than terminating or skipping the pass.
func (s *Service) dueWithRetry(ctx context.Context) ([]Timer, bool) {
	backoff := queryBackoffBase
	for {
		due, err := s.store.DueBefore(ctx, s.nowMilli())
		if err == nil {
			return due, true
		}
		s.log.Warn("due query failed; retrying", logx.Err(err), logx.Duration("backoff", backoff))
		if !sleepCtx(ctx, backoff) {
			return nil, false
		}
		backoff = growBackoff(backoff)
	}
}

func growBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > queryBackoffMax {
		d = queryBackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
