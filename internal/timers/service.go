package timers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

// Service owns the scheduler loop and the submission/cancellation API.
// Exactly one Service instance is active per deployment; a second would
// double-fire timers.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store Store
	reg   *Registry
	log   logx.Logger
	bus   eventbus.Bus

	limiter *rate.Limiter

	// wake carries at most one pending "recompute your deadline" token.
	wake chan struct{}

	runCancel context.CancelFunc
	done      chan struct{}

	// Wait target of the loop. waitUntil == 0 means the loop is not in a
	// timed wait (idle, draining, or between states); idle is true only
	// while the loop is blocked with no pending timers.
	waitMu    sync.Mutex
	waitID    int64
	waitUntil int64
	idle      bool

	now func() time.Time
}

func New(cfg Config, store Store, reg *Registry, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), cfg.DispatchRatePerSec),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Apply swaps dispatch knobs at runtime. The loop picks them up on the next
// dispatch; in-flight retries keep the options they started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), cfg.DispatchRatePerSec)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, s.done)
	s.log.Info("timer scheduler started", logx.Int("kinds", len(s.reg.Kinds())))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	done := s.done
	s.runCancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		s.log.Info("timer scheduler stopped")
	case <-ctx.Done():
		// loop exits in the background
	}
}

// Schedule persists a new timer and wakes the loop when the new timer is
// (or may be) the soonest pending one. channelID may be 0.
func (s *Service) Schedule(ctx context.Context, guildID, userID, channelID int64, event string, at time.Time, notes string) (Timer, error) {
	created, err := s.store.CreateTimer(ctx, Timer{
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
		Event:     event,
		ExpiresAt: at.UnixMilli(),
		Notes:     notes,
	})
	if err != nil {
		return Timer{}, err
	}

	s.waitMu.Lock()
	// Skip the wake only when the loop is provably waiting on an earlier
	// deadline already. Spurious wakes just cause one extra recompute.
	skip := s.waitUntil != 0 && s.waitUntil < created.ExpiresAt
	s.waitMu.Unlock()
	if !skip {
		s.signalWake()
	}

	s.log.Debug("timer scheduled",
		logx.Int64("timer_id", created.ID),
		logx.String("event", created.Event),
		logx.Int64("guild_id", created.GuildID),
		logx.Time("expires", created.ExpiryTime()),
	)
	return created, nil
}

// Cancel removes a pending timer. Cancelling an id that was already fired or
// never existed returns false without error. A timer already claimed by the
// current drain pass may still fire (at-least-once contract).
func (s *Service) Cancel(ctx context.Context, id int64) (bool, error) {
	existed, err := s.store.CancelTimer(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		s.waitMu.Lock()
		waitedOn := s.waitID == id && s.waitUntil != 0
		s.waitMu.Unlock()
		if waitedOn {
			// The loop is sleeping toward a timer that no longer exists.
			s.signalWake()
		}
		s.log.Debug("timer cancelled", logx.Int64("timer_id", id))
	}
	return existed, nil
}

// Reschedule atomically replaces a pending timer's expiry, keeping its id.
// Returns false when the timer no longer exists.
func (s *Service) Reschedule(ctx context.Context, id int64, at time.Time) (bool, error) {
	newExpires := at.UnixMilli()
	existed, err := s.store.RescheduleTimer(ctx, id, newExpires)
	if err != nil {
		return false, err
	}
	if existed {
		s.waitMu.Lock()
		skip := s.waitID != id && s.waitUntil != 0 && s.waitUntil < newExpires
		s.waitMu.Unlock()
		if !skip {
			s.signalWake()
		}
		s.log.Debug("timer rescheduled", logx.Int64("timer_id", id), logx.Time("expires", at))
	}
	return existed, nil
}

func (s *Service) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) nowMilli() int64 { return s.now().UnixMilli() }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) rateLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func (s *Service) setWaiting(id, until int64) {
	s.waitMu.Lock()
	s.waitID = id
	s.waitUntil = until
	s.idle = false
	s.waitMu.Unlock()
}

func (s *Service) setIdle() {
	s.waitMu.Lock()
	s.waitID = 0
	s.waitUntil = 0
	s.idle = true
	s.waitMu.Unlock()
}
