package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ModConfig holds a guild's moderation settings.
type ModConfig struct {
	GuildID         int64
	DMUsersOnPunish bool
	AutomodPolicies map[string]string
}

// LogConfig holds a guild's event-log routing: event kind to channel id.
type LogConfig struct {
	GuildID     int64
	LogChannels map[string]int64
	Color       bool
}

// Starboard holds a guild's starboard settings.
type Starboard struct {
	GuildID          int64
	Enabled          bool
	StarLimit        int
	ChannelID        int64
	ExcludedChannels []int64
}

// StarboardEntry links an original message to its starboard repost.
type StarboardEntry struct {
	GuildID    int64
	ChannelID  int64
	OrigMsgID  int64
	EntryMsgID int64
}

// ButtonRole is a role picker button attached to a message.
type ButtonRole struct {
	GuildID   int64
	EntryID   int64
	ChannelID int64
	MsgID     int64
	Emoji     string
	Label     string
	Style     string
	RoleID    int64
}

// GetModConfig returns a guild's moderation settings, with defaults when
// none have been stored.
func (s *DB) GetModConfig(ctx context.Context, guildID int64) (ModConfig, error) {
	c := ModConfig{GuildID: guildID, DMUsersOnPunish: true}
	var dm int
	var policies string
	err := s.db.QueryRowContext(ctx,
		`SELECT dm_users_on_punish, automod_policies FROM mod_config WHERE guild_id = ?`,
		guildID).Scan(&dm, &policies)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return ModConfig{}, fmt.Errorf("get mod config: %w", err)
	}
	c.DMUsersOnPunish = dm != 0
	if policies != "" {
		_ = json.Unmarshal([]byte(policies), &c.AutomodPolicies)
	}
	return c, nil
}

func (s *DB) SetModConfig(ctx context.Context, c ModConfig) error {
	policies := "{}"
	if len(c.AutomodPolicies) > 0 {
		b, err := json.Marshal(c.AutomodPolicies)
		if err != nil {
			return fmt.Errorf("set mod config: %w", err)
		}
		policies = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mod_config (guild_id, dm_users_on_punish, automod_policies) VALUES (?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET dm_users_on_punish=excluded.dm_users_on_punish, automod_policies=excluded.automod_policies`,
		c.GuildID, boolInt(c.DMUsersOnPunish), policies,
	)
	if err != nil {
		return fmt.Errorf("set mod config: %w", err)
	}
	return nil
}

func (s *DB) GetLogConfig(ctx context.Context, guildID int64) (LogConfig, error) {
	c := LogConfig{GuildID: guildID, Color: true}
	var channels sql.NullString
	var color int
	err := s.db.QueryRowContext(ctx,
		`SELECT log_channels, color FROM log_config WHERE guild_id = ?`,
		guildID).Scan(&channels, &color)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return LogConfig{}, fmt.Errorf("get log config: %w", err)
	}
	c.Color = color != 0
	if channels.Valid {
		_ = json.Unmarshal([]byte(channels.String), &c.LogChannels)
	}
	return c, nil
}

func (s *DB) SetLogConfig(ctx context.Context, c LogConfig) error {
	var channels any
	if len(c.LogChannels) > 0 {
		b, err := json.Marshal(c.LogChannels)
		if err != nil {
			return fmt.Errorf("set log config: %w", err)
		}
		channels = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_config (guild_id, log_channels, color) VALUES (?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET log_channels=excluded.log_channels, color=excluded.color`,
		c.GuildID, channels, boolInt(c.Color),
	)
	if err != nil {
		return fmt.Errorf("set log config: %w", err)
	}
	return nil
}

func (s *DB) GetStarboard(ctx context.Context, guildID int64) (Starboard, error) {
	c := Starboard{GuildID: guildID, StarLimit: 5}
	var enabled int
	var channel sql.NullInt64
	var excluded sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT is_enabled, star_limit, channel_id, excluded_channels FROM starboard WHERE guild_id = ?`,
		guildID).Scan(&enabled, &c.StarLimit, &channel, &excluded)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return Starboard{}, fmt.Errorf("get starboard: %w", err)
	}
	c.Enabled = enabled != 0
	c.ChannelID = channel.Int64
	if excluded.Valid {
		_ = json.Unmarshal([]byte(excluded.String), &c.ExcludedChannels)
	}
	return c, nil
}

func (s *DB) SetStarboard(ctx context.Context, c Starboard) error {
	var excluded any
	if len(c.ExcludedChannels) > 0 {
		b, err := json.Marshal(c.ExcludedChannels)
		if err != nil {
			return fmt.Errorf("set starboard: %w", err)
		}
		excluded = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO starboard (guild_id, is_enabled, star_limit, channel_id, excluded_channels) VALUES (?,?,?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET is_enabled=excluded.is_enabled, star_limit=excluded.star_limit,
		     channel_id=excluded.channel_id, excluded_channels=excluded.excluded_channels`,
		c.GuildID, boolInt(c.Enabled), c.StarLimit, nullInt64(c.ChannelID), excluded,
	)
	if err != nil {
		return fmt.Errorf("set starboard: %w", err)
	}
	return nil
}

func (s *DB) AddStarboardEntry(ctx context.Context, e StarboardEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO starboard_entries (guild_id, channel_id, orig_msg_id, entry_msg_id) VALUES (?,?,?,?)`,
		e.GuildID, e.ChannelID, e.OrigMsgID, e.EntryMsgID,
	)
	if err != nil {
		return fmt.Errorf("add starboard entry: %w", err)
	}
	return nil
}

func (s *DB) GetStarboardEntry(ctx context.Context, guildID, channelID, origMsgID int64) (StarboardEntry, error) {
	e := StarboardEntry{GuildID: guildID, ChannelID: channelID, OrigMsgID: origMsgID}
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_msg_id FROM starboard_entries WHERE guild_id = ? AND channel_id = ? AND orig_msg_id = ?`,
		guildID, channelID, origMsgID).Scan(&e.EntryMsgID)
	if errors.Is(err, sql.ErrNoRows) {
		return StarboardEntry{}, ErrNotFound
	}
	if err != nil {
		return StarboardEntry{}, fmt.Errorf("get starboard entry: %w", err)
	}
	return e, nil
}

func (s *DB) DeleteStarboardEntry(ctx context.Context, guildID, channelID, origMsgID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM starboard_entries WHERE guild_id = ? AND channel_id = ? AND orig_msg_id = ?`,
		guildID, channelID, origMsgID)
	if err != nil {
		return fmt.Errorf("delete starboard entry: %w", err)
	}
	return nil
}

// AddButtonRole stores a button, allocating the next per-guild entry id.
func (s *DB) AddButtonRole(ctx context.Context, b ButtonRole) (ButtonRole, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ButtonRole{}, fmt.Errorf("add button role: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(entry_id) FROM button_roles WHERE guild_id = ?`, b.GuildID).Scan(&next); err != nil {
		return ButtonRole{}, fmt.Errorf("add button role: %w", err)
	}
	b.EntryID = next.Int64 + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO button_roles (guild_id, entry_id, channel_id, msg_id, emoji, label, style, role_id)
		 VALUES (?,?,?,?,?,?,?,?)`,
		b.GuildID, b.EntryID, b.ChannelID, b.MsgID, b.Emoji, nullStr(b.Label), nullStr(b.Style), b.RoleID,
	)
	if err != nil {
		return ButtonRole{}, fmt.Errorf("add button role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ButtonRole{}, fmt.Errorf("add button role: %w", err)
	}
	return b, nil
}

func (s *DB) ButtonRoles(ctx context.Context, guildID int64) ([]ButtonRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, entry_id, channel_id, msg_id, emoji, label, style, role_id
		 FROM button_roles WHERE guild_id = ? ORDER BY entry_id`, guildID)
	if err != nil {
		return nil, fmt.Errorf("button roles: %w", err)
	}
	defer rows.Close()

	var out []ButtonRole
	for rows.Next() {
		var b ButtonRole
		var label, style sql.NullString
		if err := rows.Scan(&b.GuildID, &b.EntryID, &b.ChannelID, &b.MsgID, &b.Emoji, &label, &style, &b.RoleID); err != nil {
			return nil, err
		}
		b.Label = label.String
		b.Style = style.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *DB) DeleteButtonRole(ctx context.Context, guildID, entryID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM button_roles WHERE guild_id = ? AND entry_id = ?`, guildID, entryID)
	if err != nil {
		return false, fmt.Errorf("delete button role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
