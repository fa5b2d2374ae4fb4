package timers

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v5"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

// dispatch fires one due timer. Once a timer reaches this point it is past
// the point of no return: a concurrent cancellation no longer prevents the
// handler from running.
//
// Outcomes:
//   - handler success: the row is deleted
//   - no handler registered: dead-letter immediately (configuration defect
//     local to this timer; the drain pass continues)
//   - transient handler errors: retried with exponential backoff up to
//     AttemptMax total attempts, then dead-lettered
//   - Permanent handler error: dead-lettered on the first attempt
func (s *Service) dispatch(ctx context.Context, t Timer) {
	h, ok := s.reg.lookup(t.Event)
	if !ok {
		s.log.Error("no handler for due timer", logx.Int64("timer_id", t.ID), logx.String("event", t.Event))
		s.deadLetter(ctx, t, "no handler registered", 0)
		return
	}

	if lim := s.rateLimiter(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	cfg := s.config()
	start := time.Now()
	attempts := 0
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(cfg.AttemptMax)),
		retry.Delay(cfg.RetryBase),
		retry.MaxDelay(cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("handler retry scheduled",
				logx.Int64("timer_id", t.ID),
				logx.String("event", t.Event),
				logx.Uint64("attempt", uint64(n)+1),
				logx.Err(err),
			)
		}),
	).Do(func() error {
		attempts++
		herr := h(ctx, t)
		if herr == nil {
			return nil
		}
		if IsPermanent(herr) {
			return retry.Unrecoverable(herr)
		}
		return herr
	})

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the attempt; leave the row pending so the
			// next process picks it up.
			return
		}
		s.log.Error("handler failed; dead-lettering timer",
			logx.Int64("timer_id", t.ID),
			logx.String("event", t.Event),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
		s.deadLetter(ctx, t, err.Error(), attempts)
		return
	}

	// Delete only while the expiry is unchanged: a handler that re-armed its
	// own timer (or a snooze racing the dispatch) must keep the new row.
	if derr := s.store.DeleteTimer(ctx, t.ID, t.ExpiresAt); derr != nil {
		// The handler already ran; on the next pass the row fires again and
		// the handler's idempotency absorbs it.
		s.log.Warn("failed deleting fired timer", logx.Int64("timer_id", t.ID), logx.Err(derr))
	}

	s.log.Info("timer dispatched",
		logx.Int64("timer_id", t.ID),
		logx.String("event", t.Event),
		logx.Int64("guild_id", t.GuildID),
		logx.Duration("took", time.Since(start)),
		logx.Int("attempts", attempts),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventFired, Data: FiredEvent{
			TimerID: t.ID, GuildID: t.GuildID, Event: t.Event, Attempts: attempts,
		}})
	}
}

func (s *Service) deadLetter(ctx context.Context, t Timer, reason string, attempts int) {
	if err := s.store.MoveDeadLetter(ctx, t, reason, attempts); err != nil {
		s.log.Error("failed dead-lettering timer", logx.Int64("timer_id", t.ID), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventDeadLetter, Data: FiredEvent{
			TimerID: t.ID, GuildID: t.GuildID, Event: t.Event, Attempts: attempts, Reason: reason,
		}})
	}
}
