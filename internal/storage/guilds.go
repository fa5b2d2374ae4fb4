package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GuildUser is a per-guild user record (warns, moderator notes, flags).
type GuildUser struct {
	UserID  int64
	GuildID int64
	Warns   int
	Notes   []string
	Flags   map[string]any
}

// EnsureGuild registers a tenant. Registering an existing guild is a no-op.
func (s *DB) EnsureGuild(ctx context.Context, guildID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO guilds (guild_id) VALUES (?)`, guildID)
	if err != nil {
		return fmt.Errorf("ensure guild: %w", err)
	}
	return nil
}

// DeleteGuild deregisters a tenant. Every per-guild row, pending and
// dead-lettered timers included, goes with it (ON DELETE CASCADE).
func (s *DB) DeleteGuild(ctx context.Context, guildID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guilds WHERE guild_id = ?`, guildID)
	if err != nil {
		return false, fmt.Errorf("delete guild: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DB) Guilds(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM guilds ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("guilds: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetUser returns the per-guild record for a user, or a zeroed record when
// none exists yet.
func (s *DB) GetUser(ctx context.Context, guildID, userID int64) (GuildUser, error) {
	u := GuildUser{UserID: userID, GuildID: guildID}
	var notes, flags sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT warns, notes, flags FROM users WHERE guild_id = ? AND user_id = ?`,
		guildID, userID).Scan(&u.Warns, &notes, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return GuildUser{}, fmt.Errorf("get user: %w", err)
	}
	if notes.Valid {
		_ = json.Unmarshal([]byte(notes.String), &u.Notes)
	}
	if flags.Valid {
		_ = json.Unmarshal([]byte(flags.String), &u.Flags)
	}
	return u, nil
}

func (s *DB) upsertUser(ctx context.Context, u GuildUser) error {
	notes, err := json.Marshal(u.Notes)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	var flags any
	if len(u.Flags) > 0 {
		b, err := json.Marshal(u.Flags)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		flags = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, guild_id, warns, notes, flags) VALUES (?,?,?,?,?)
		 ON CONFLICT(user_id, guild_id) DO UPDATE SET warns=excluded.warns, notes=excluded.notes, flags=excluded.flags`,
		u.UserID, u.GuildID, u.Warns, string(notes), flags,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// AddWarns adjusts a user's warn count by delta (may be negative) and
// returns the new count, floored at zero.
func (s *DB) AddWarns(ctx context.Context, guildID, userID int64, delta int) (int, error) {
	u, err := s.GetUser(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	u.Warns += delta
	if u.Warns < 0 {
		u.Warns = 0
	}
	if err := s.upsertUser(ctx, u); err != nil {
		return 0, err
	}
	return u.Warns, nil
}

// ClearWarns resets a user's warn count.
func (s *DB) ClearWarns(ctx context.Context, guildID, userID int64) error {
	u, err := s.GetUser(ctx, guildID, userID)
	if err != nil {
		return err
	}
	u.Warns = 0
	return s.upsertUser(ctx, u)
}

// AddUserNote appends a moderator note to a user's record.
func (s *DB) AddUserNote(ctx context.Context, guildID, userID int64, note string) error {
	u, err := s.GetUser(ctx, guildID, userID)
	if err != nil {
		return err
	}
	u.Notes = append(u.Notes, note)
	return s.upsertUser(ctx, u)
}
