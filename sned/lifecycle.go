package sned

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleGuildJoin registers a newly joined guild and posts a welcome
// notice to its system channel. A failed welcome send is logged and
// ignored - registration already succeeded and the guild is usable.
func (b *Bot) handleGuildJoin(ctx context.Context, ev *Event) error {
	logger := b.logger.With("guild_id", ev.GuildID)
	logger.InfoContext(ctx, "joined guild")

	if err := b.store.EnsureGuild(ctx, ev.GuildID); err != nil {
		return fmt.Errorf("error registering guild %s: %w", ev.GuildID, err)
	}

	if ev.SystemChannelID == "" {
		return nil
	}

	prefixes := b.cache.Resolve(ctx, ev.GuildID)
	prefix := b.cache.DefaultPrefixes()[0]
	if len(prefixes) > 0 {
		prefix = prefixes[0]
	}

	err := b.sender.SendEmbed(
		ev.SystemChannelID,
		&discordgo.MessageEmbed{
			Title: b.messages.WelcomeTitle,
			Description: fmt.Sprintf(
				b.messages.WelcomeDescription,
				prefix,
			),
			Color: b.messages.InfoColor,
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "error sending welcome notice", tint.Err(err))
	}
	return nil
}

// handleGuildLeave removes everything stored for a departed guild. Unlike
// a reset, no fresh row is recreated - the guild is gone. The cache entry
// is evicted locally and peers are notified.
func (b *Bot) handleGuildLeave(ctx context.Context, ev *Event) error {
	logger := b.logger.With("guild_id", ev.GuildID)
	logger.InfoContext(ctx, "removed from guild, deleting stored data")

	if err := b.store.DeleteGuild(ctx, ev.GuildID); err != nil {
		return fmt.Errorf(
			"error deleting data for guild %s: %w",
			ev.GuildID,
			err,
		)
	}

	b.cache.Evict(ev.GuildID)
	b.notifier.GuildRemoved(ctx, ev.GuildID)
	return nil
}
