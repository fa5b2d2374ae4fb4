package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden/internal/timers"
)

// DeadTimer is a terminally failed timer retained for diagnosis.
type DeadTimer struct {
	timers.Timer
	Reason   string
	Attempts int
	FailedAt time.Time
}

const timerColumns = "id, guild_id, user_id, channel_id, event, expires, notes"

func scanTimer(row interface{ Scan(...any) error }) (timers.Timer, error) {
	var t timers.Timer
	var channel sql.NullInt64
	var notes sql.NullString
	if err := row.Scan(&t.ID, &t.GuildID, &t.UserID, &channel, &t.Event, &t.ExpiresAt, &notes); err != nil {
		return timers.Timer{}, err
	}
	t.ChannelID = channel.Int64
	t.Notes = notes.String
	return t, nil
}

func (s *DB) CreateTimer(ctx context.Context, t timers.Timer) (timers.Timer, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (guild_id, user_id, channel_id, event, expires, notes) VALUES (?,?,?,?,?,?)`,
		t.GuildID, t.UserID, nullInt64(t.ChannelID), t.Event, t.ExpiresAt, nullStr(t.Notes),
	)
	if err != nil {
		return timers.Timer{}, fmt.Errorf("create timer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return timers.Timer{}, fmt.Errorf("create timer: %w", err)
	}
	t.ID = id
	return t, nil
}

func (s *DB) CancelTimer(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("cancel timer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DB) DueBefore(ctx context.Context, cutoff int64) ([]timers.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE expires <= ? ORDER BY expires, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("due query: %w", err)
	}
	defer rows.Close()

	var out []timers.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) EarliestPending(ctx context.Context) (*timers.Timer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ` + timerColumns + ` FROM timers ORDER BY expires, id LIMIT 1`)
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("earliest pending: %w", err)
	}
	return &t, nil
}

// DeleteTimer removes a fired timer. The expires guard keeps a timer that
// was rescheduled between the due read and this delete.
func (s *DB) DeleteTimer(ctx context.Context, id, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ? AND expires = ?`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}

func (s *DB) RescheduleTimer(ctx context.Context, id int64, newExpiresAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE timers SET expires = ? WHERE id = ?`, newExpiresAt, id)
	if err != nil {
		return false, fmt.Errorf("reschedule timer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MoveDeadLetter removes the timer from the pending set and records it in
// dead_timers in one transaction, so the timer is never visible in both.
func (s *DB) MoveDeadLetter(ctx context.Context, t timers.Timer, reason string, attempts int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dead-letter timer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_timers (id, guild_id, user_id, channel_id, event, expires, notes, reason, attempts, failed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.GuildID, t.UserID, nullInt64(t.ChannelID), t.Event, t.ExpiresAt, nullStr(t.Notes),
		reason, attempts, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("dead-letter timer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, t.ID); err != nil {
		return fmt.Errorf("dead-letter timer: %w", err)
	}
	return tx.Commit()
}

// GetTimer fetches a pending timer scoped to a guild.
func (s *DB) GetTimer(ctx context.Context, id, guildID int64) (timers.Timer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE id = ? AND guild_id = ?`, id, guildID)
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return timers.Timer{}, ErrNotFound
	}
	if err != nil {
		return timers.Timer{}, fmt.Errorf("get timer: %w", err)
	}
	return t, nil
}

// TimersForUser lists a user's pending timers of one event kind, soonest first.
func (s *DB) TimersForUser(ctx context.Context, guildID, userID int64, event string) ([]timers.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE guild_id = ? AND user_id = ? AND event = ? ORDER BY expires, id`,
		guildID, userID, event)
	if err != nil {
		return nil, fmt.Errorf("timers for user: %w", err)
	}
	defer rows.Close()

	var out []timers.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeadLetters lists a guild's dead-lettered timers, most recent first.
func (s *DB) DeadLetters(ctx context.Context, guildID int64) ([]DeadTimer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guild_id, user_id, channel_id, event, expires, notes, reason, attempts, failed_at
		 FROM dead_timers WHERE guild_id = ? ORDER BY failed_at DESC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadTimer
	for rows.Next() {
		var d DeadTimer
		var channel sql.NullInt64
		var notes sql.NullString
		var failedAt int64
		if err := rows.Scan(&d.ID, &d.GuildID, &d.UserID, &channel, &d.Event, &d.ExpiresAt, &notes, &d.Reason, &d.Attempts, &failedAt); err != nil {
			return nil, err
		}
		d.ChannelID = channel.Int64
		d.Notes = notes.String
		d.FailedAt = time.UnixMilli(failedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDeadLetters removes dead-letter rows that failed before cutoff.
func (s *DB) PruneDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_timers WHERE failed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune dead letters: %w", err)
	}
	return res.RowsAffected()
}
