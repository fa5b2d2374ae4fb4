// Package reminders lets guild members schedule messages to their future
// selves. Each reminder is one pending timer of kind "reminder"; the payload
// travels in the timer's notes as JSON.
package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/storage"
	"warden/internal/timers"
	logx "warden/pkg/logx"
)

// EventKind is the timer event kind this package owns.
const EventKind = "reminder"

const (
	maxMessageLen = 1000
	maxRecipients = 6
	maxPerUser    = 10
)

var (
	ErrMessageTooLong   = fmt.Errorf("reminder message exceeds %d characters", maxMessageLen)
	ErrTooManyPending   = fmt.Errorf("user already has %d pending reminders", maxPerUser)
	ErrTooManyRecipient = fmt.Errorf("at most %d additional recipients", maxRecipients)
	ErrNotOwner         = errors.New("reminder belongs to another user")
)

// payload is the notes schema for reminder timers.
type payload struct {
	Message    string  `json:"message"`
	JumpURL    string  `json:"jump_url,omitempty"`
	Recipients []int64 `json:"additional_recipients,omitempty"`
}

// Notifier delivers reminder content to the chat platform. Implementations
// should return timers.Permanent-wrapped errors for failures a retry cannot
// fix, such as a deleted channel.
type Notifier interface {
	NotifyChannel(ctx context.Context, channelID int64, content string) error
	NotifyUser(ctx context.Context, userID int64, content string) error
}

type Service struct {
	db     *storage.DB
	timers *timers.Service
	notify Notifier
	log    logx.Logger
}

func New(db *storage.DB, ts *timers.Service, notify Notifier, log logx.Logger) *Service {
	return &Service{db: db, timers: ts, notify: notify, log: log}
}

// Register binds the reminder handler. Call before the scheduler starts.
func (s *Service) Register(reg *timers.Registry) error {
	return reg.Register(EventKind, s.handle)
}

// Create schedules a reminder. channelID 0 means deliver by direct message.
func (s *Service) Create(ctx context.Context, guildID, userID, channelID int64, at time.Time, message, jumpURL string, recipients []int64) (timers.Timer, error) {
	message = strings.TrimSpace(message)
	if len(message) > maxMessageLen {
		return timers.Timer{}, ErrMessageTooLong
	}
	if len(recipients) > maxRecipients {
		return timers.Timer{}, ErrTooManyRecipient
	}
	pending, err := s.db.TimersForUser(ctx, guildID, userID, EventKind)
	if err != nil {
		return timers.Timer{}, err
	}
	if len(pending) >= maxPerUser {
		return timers.Timer{}, ErrTooManyPending
	}

	notes, err := json.Marshal(payload{Message: message, JumpURL: jumpURL, Recipients: recipients})
	if err != nil {
		return timers.Timer{}, err
	}
	return s.timers.Schedule(ctx, guildID, userID, channelID, EventKind, at, string(notes))
}

// List returns the user's pending reminders, soonest first.
func (s *Service) List(ctx context.Context, guildID, userID int64) ([]timers.Timer, error) {
	return s.db.TimersForUser(ctx, guildID, userID, EventKind)
}

// Delete cancels a reminder after verifying ownership.
func (s *Service) Delete(ctx context.Context, guildID, userID, id int64) (bool, error) {
	t, err := s.db.GetTimer(ctx, id, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Event != EventKind {
		return false, nil
	}
	if t.UserID != userID {
		return false, ErrNotOwner
	}
	return s.timers.Cancel(ctx, id)
}

// Snooze moves a reminder to a new time, keeping its id and payload.
func (s *Service) Snooze(ctx context.Context, guildID, userID, id int64, at time.Time) (bool, error) {
	t, err := s.db.GetTimer(ctx, id, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Event != EventKind {
		return false, nil
	}
	if t.UserID != userID {
		return false, ErrNotOwner
	}
	return s.timers.Reschedule(ctx, id, at)
}

func (s *Service) handle(ctx context.Context, t timers.Timer) error {
	var p payload
	if err := json.Unmarshal([]byte(t.Notes), &p); err != nil {
		// The payload is written by Create; a row that does not parse will
		// never parse, so retrying is pointless.
		return timers.Permanent(fmt.Errorf("malformed reminder payload: %w", err))
	}

	content := formatReminder(t.UserID, p)
	if t.ChannelID != 0 {
		if err := s.notify.NotifyChannel(ctx, t.ChannelID, content); err != nil {
			return err
		}
	} else {
		if err := s.notify.NotifyUser(ctx, t.UserID, content); err != nil {
			return err
		}
	}

	for _, uid := range p.Recipients {
		if err := s.notify.NotifyUser(ctx, uid, content); err != nil {
			// Extra recipients are best effort; the primary delivery already
			// happened and must not be repeated by a retry.
			s.log.Warn("reminder recipient delivery failed",
				logx.Int64("timer_id", t.ID), logx.Int64("user_id", uid), logx.Err(err))
		}
	}
	return nil
}

func formatReminder(userID int64, p payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<@%d> Reminder: %s", userID, p.Message)
	if p.JumpURL != "" {
		fmt.Fprintf(&b, "\n%s", p.JumpURL)
	}
	return b.String()
}
