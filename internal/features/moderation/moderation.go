// Package moderation implements timed punishments and the guild moderation
// ledger. Temporary bans and timeouts are backed by timers: the punishment is
// applied immediately and a timer of the matching kind lifts it later, so a
// restart between the two never loses the scheduled lift.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden/internal/storage"
	"warden/internal/timers"
	logx "warden/pkg/logx"
)

// Timer event kinds owned by this package.
const (
	EventTempban = "tempban"
	EventTimeout = "timeout"
)

var ErrInvalidDuration = errors.New("punishment duration must be positive")

// payload is the notes schema for tempban and timeout timers.
type payload struct {
	ModeratorID int64  `json:"moderator_id"`
	Reason      string `json:"reason,omitempty"`
}

// Platform is the chat-platform surface moderation needs. Implementations
// should wrap errors a retry cannot fix with timers.Permanent, such as the
// target user no longer existing.
type Platform interface {
	BanUser(ctx context.Context, guildID, userID int64, reason string) error
	UnbanUser(ctx context.Context, guildID, userID int64, reason string) error
	TimeoutUser(ctx context.Context, guildID, userID int64, until time.Time) error
	RemoveTimeout(ctx context.Context, guildID, userID int64) error
	DMUser(ctx context.Context, userID int64, content string) error
}

type Service struct {
	db       *storage.DB
	timers   *timers.Service
	platform Platform
	log      logx.Logger
}

func New(db *storage.DB, ts *timers.Service, platform Platform, log logx.Logger) *Service {
	return &Service{db: db, timers: ts, platform: platform, log: log}
}

// Register binds the punishment-lift handlers. Call before the scheduler
// starts.
func (s *Service) Register(reg *timers.Registry) error {
	if err := reg.Register(EventTempban, s.handleTempban); err != nil {
		return err
	}
	return reg.Register(EventTimeout, s.handleTimeout)
}

// Tempban bans the user now and schedules the unban. The returned timer can
// be cancelled to make the ban permanent or rescheduled to change its length.
func (s *Service) Tempban(ctx context.Context, guildID, userID, moderatorID int64, d time.Duration, reason string) (timers.Timer, error) {
	if d <= 0 {
		return timers.Timer{}, ErrInvalidDuration
	}
	s.maybeDM(ctx, guildID, userID, fmt.Sprintf("You have been banned for %s: %s", d, reason))
	if err := s.platform.BanUser(ctx, guildID, userID, reason); err != nil {
		return timers.Timer{}, fmt.Errorf("ban: %w", err)
	}

	notes, _ := json.Marshal(payload{ModeratorID: moderatorID, Reason: reason})
	t, err := s.timers.Schedule(ctx, guildID, userID, 0, EventTempban, time.Now().Add(d), string(notes))
	if err != nil {
		// The ban stuck but the lift did not; surface it rather than leave a
		// silent permanent ban.
		return timers.Timer{}, fmt.Errorf("ban applied but unban not scheduled: %w", err)
	}
	s.log.Info("tempban issued",
		logx.Int64("guild_id", guildID), logx.Int64("user_id", userID),
		logx.Int64("moderator_id", moderatorID), logx.Duration("duration", d))
	return t, nil
}

// Timeout mutes the user now and schedules the lift.
func (s *Service) Timeout(ctx context.Context, guildID, userID, moderatorID int64, d time.Duration, reason string) (timers.Timer, error) {
	if d <= 0 {
		return timers.Timer{}, ErrInvalidDuration
	}
	until := time.Now().Add(d)
	s.maybeDM(ctx, guildID, userID, fmt.Sprintf("You have been timed out for %s: %s", d, reason))
	if err := s.platform.TimeoutUser(ctx, guildID, userID, until); err != nil {
		return timers.Timer{}, fmt.Errorf("timeout: %w", err)
	}

	notes, _ := json.Marshal(payload{ModeratorID: moderatorID, Reason: reason})
	t, err := s.timers.Schedule(ctx, guildID, userID, 0, EventTimeout, until, string(notes))
	if err != nil {
		return timers.Timer{}, fmt.Errorf("timeout applied but lift not scheduled: %w", err)
	}
	s.log.Info("timeout issued",
		logx.Int64("guild_id", guildID), logx.Int64("user_id", userID),
		logx.Int64("moderator_id", moderatorID), logx.Duration("duration", d))
	return t, nil
}

// Warn increments the user's warn count and records the reason as a note.
func (s *Service) Warn(ctx context.Context, guildID, userID, moderatorID int64, reason string) (int, error) {
	count, err := s.db.AddWarns(ctx, guildID, userID, 1)
	if err != nil {
		return 0, err
	}
	note := fmt.Sprintf("warned by %d: %s", moderatorID, reason)
	if err := s.db.AddUserNote(ctx, guildID, userID, note); err != nil {
		return count, err
	}
	s.maybeDM(ctx, guildID, userID, fmt.Sprintf("You have been warned: %s", reason))
	return count, nil
}

func (s *Service) ClearWarns(ctx context.Context, guildID, userID int64) error {
	return s.db.ClearWarns(ctx, guildID, userID)
}

func (s *Service) AddNote(ctx context.Context, guildID, userID int64, note string) error {
	return s.db.AddUserNote(ctx, guildID, userID, note)
}

// PendingPunishments lists a user's scheduled lifts of one kind.
func (s *Service) PendingPunishments(ctx context.Context, guildID, userID int64, kind string) ([]timers.Timer, error) {
	return s.db.TimersForUser(ctx, guildID, userID, kind)
}

func (s *Service) handleTempban(ctx context.Context, t timers.Timer) error {
	var p payload
	_ = json.Unmarshal([]byte(t.Notes), &p)
	if err := s.platform.UnbanUser(ctx, t.GuildID, t.UserID, "tempban expired"); err != nil {
		return err
	}
	s.log.Info("tempban lifted",
		logx.Int64("guild_id", t.GuildID), logx.Int64("user_id", t.UserID),
		logx.Int64("moderator_id", p.ModeratorID))
	return nil
}

func (s *Service) handleTimeout(ctx context.Context, t timers.Timer) error {
	if err := s.platform.RemoveTimeout(ctx, t.GuildID, t.UserID); err != nil {
		return err
	}
	s.log.Info("timeout lifted", logx.Int64("guild_id", t.GuildID), logx.Int64("user_id", t.UserID))
	return nil
}

// maybeDM notifies the punished user when the guild has DMs on punish
// enabled. Delivery is best effort.
func (s *Service) maybeDM(ctx context.Context, guildID, userID int64, content string) {
	cfg, err := s.db.GetModConfig(ctx, guildID)
	if err != nil || !cfg.DMUsersOnPunish {
		return
	}
	if err := s.platform.DMUser(ctx, userID, content); err != nil {
		s.log.Debug("punishment DM failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}
