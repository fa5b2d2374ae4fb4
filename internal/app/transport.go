package app

import (
	"context"
	"time"

	logx "warden/pkg/logx"
)

// logTransport is the fallback chat transport: every delivery and punishment
// becomes a log line. It keeps the binary runnable without a platform
// integration and makes end-to-end dry runs observable.
type logTransport struct {
	log logx.Logger
}

func (t *logTransport) NotifyChannel(_ context.Context, channelID int64, content string) error {
	t.log.Info("deliver to channel", logx.Int64("channel_id", channelID), logx.String("content", content))
	return nil
}

func (t *logTransport) NotifyUser(_ context.Context, userID int64, content string) error {
	t.log.Info("deliver to user", logx.Int64("user_id", userID), logx.String("content", content))
	return nil
}

func (t *logTransport) BanUser(_ context.Context, guildID, userID int64, reason string) error {
	t.log.Info("ban user", logx.Int64("guild_id", guildID), logx.Int64("user_id", userID), logx.String("reason", reason))
	return nil
}

func (t *logTransport) UnbanUser(_ context.Context, guildID, userID int64, reason string) error {
	t.log.Info("unban user", logx.Int64("guild_id", guildID), logx.Int64("user_id", userID), logx.String("reason", reason))
	return nil
}

func (t *logTransport) TimeoutUser(_ context.Context, guildID, userID int64, until time.Time) error {
	t.log.Info("timeout user", logx.Int64("guild_id", guildID), logx.Int64("user_id", userID), logx.Time("until", until))
	return nil
}

func (t *logTransport) RemoveTimeout(_ context.Context, guildID, userID int64) error {
	t.log.Info("remove timeout", logx.Int64("guild_id", guildID), logx.Int64("user_id", userID))
	return nil
}

func (t *logTransport) DMUser(_ context.Context, userID int64, content string) error {
	t.log.Info("dm user", logx.Int64("user_id", userID), logx.String("content", content))
	return nil
}
