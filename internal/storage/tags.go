package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tag is a named content snippet owned by a guild member.
type Tag struct {
	GuildID int64
	Name    string
	OwnerID int64
	Aliases []string
	Content string
}

// GetTag resolves a tag by name or by one of its aliases.
func (s *DB) GetTag(ctx context.Context, guildID int64, name string) (Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	tags, err := s.ListTags(ctx, guildID)
	if err != nil {
		return Tag{}, err
	}
	for _, t := range tags {
		if t.Name == name {
			return t, nil
		}
		for _, a := range t.Aliases {
			if a == name {
				return t, nil
			}
		}
	}
	return Tag{}, ErrNotFound
}

// SetTag creates or replaces a tag. Names and aliases are case-insensitive.
func (s *DB) SetTag(ctx context.Context, t Tag) error {
	t.Name = strings.ToLower(strings.TrimSpace(t.Name))
	if t.Name == "" {
		return errors.New("set tag: empty name")
	}
	var aliases any
	if len(t.Aliases) > 0 {
		lowered := make([]string, 0, len(t.Aliases))
		for _, a := range t.Aliases {
			lowered = append(lowered, strings.ToLower(strings.TrimSpace(a)))
		}
		b, err := json.Marshal(lowered)
		if err != nil {
			return fmt.Errorf("set tag: %w", err)
		}
		aliases = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (guild_id, tag_name, owner_id, aliases, content) VALUES (?,?,?,?,?)
		 ON CONFLICT(guild_id, tag_name) DO UPDATE SET owner_id=excluded.owner_id, aliases=excluded.aliases, content=excluded.content`,
		t.GuildID, t.Name, t.OwnerID, aliases, t.Content,
	)
	if err != nil {
		return fmt.Errorf("set tag: %w", err)
	}
	return nil
}

func (s *DB) DeleteTag(ctx context.Context, guildID int64, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE guild_id = ? AND tag_name = ?`,
		guildID, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return false, fmt.Errorf("delete tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DB) ListTags(ctx context.Context, guildID int64) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, tag_name, owner_id, aliases, content FROM tags WHERE guild_id = ? ORDER BY tag_name`,
		guildID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		var aliases sql.NullString
		if err := rows.Scan(&t.GuildID, &t.Name, &t.OwnerID, &aliases, &t.Content); err != nil {
			return nil, err
		}
		if aliases.Valid {
			_ = json.Unmarshal([]byte(aliases.String), &t.Aliases)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
