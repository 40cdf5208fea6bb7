package sned

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

// DBNotifier propagates cache invalidation between bot instances sharing
// a database. The postgres implementation uses LISTEN/NOTIFY; the sqlite
// implementation loops back to the local refresh channels, since a sqlite
// file has a single writer anyway.
type DBNotifier interface {
	// PrefixUpdated signals that a guild's prefixes changed and cached
	// copies should be re-read.
	PrefixUpdated(ctx context.Context, guildID string) bool

	// GuildRemoved signals that a guild's data was deleted and cached
	// copies should be dropped.
	GuildRemoved(ctx context.Context, guildID string) bool

	PrefixChannelName() string
	GuildRemovedChannelName() string

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *Bot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			b:              b,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			b:          b,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteNotifier struct {
	logger         *slog.Logger
	b              *Bot
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (sqliteNotifier) PrefixChannelName() string {
	return ""
}

func (sqliteNotifier) GuildRemovedChannelName() string {
	return ""
}

func (s *sqliteNotifier) PrefixUpdated(ctx context.Context, guildID string) bool {
	s.logger.Info("got prefix update notification", "guild_id", guildID)
	select {
	case s.b.triggerPrefixRefreshCh <- guildID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending prefix refresh", "guild_id", guildID)
		return false
	}
	return true
}

func (s *sqliteNotifier) GuildRemoved(ctx context.Context, guildID string) bool {
	s.logger.Info("got guild removed notification", "guild_id", guildID)
	select {
	case s.b.triggerGuildRemovedCh <- guildID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending guild removal signal", "guild_id", guildID)
		return false
	}
	return true
}

type postgresNotifier struct {
	b          *Bot
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) PrefixChannelName() string {
	return postgresNotifyChannelPrefixUpdated
}

func (postgresNotifier) GuildRemovedChannelName() string {
	return postgresNotifyChannelGuildRemoved
}

func (p *postgresNotifier) PrefixUpdated(ctx context.Context, guildID string) bool {
	var sent bool

	msg := newGuildNotificationMessage(p.ID(), guildID)

	notifyErr := p.b.store.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.PrefixChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for prefix update",
			tint.Err(notifyErr),
			"guild_id", guildID,
		)
	} else {
		p.logger.Info(
			"sent prefix update notification",
			"pg_notify_id", p.ID(),
			"guild_id", guildID,
		)
		sent = true
	}

	return sent
}

func (p *postgresNotifier) GuildRemoved(ctx context.Context, guildID string) bool {
	var sent bool

	msg := newGuildNotificationMessage(p.ID(), guildID)

	notifyErr := p.b.store.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.GuildRemovedChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for guild removal",
			tint.Err(notifyErr),
			"guild_id", guildID,
		)
	} else {
		p.logger.Info(
			"sent guild removal notification",
			"pg_notify_id", p.ID(),
			"guild_id", guildID,
		)
		sent = true
	}

	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	// Start listening for notifications
	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}

		notifierID, guildID := parseGuildNotification(notification.Payload)
		if notifierID == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload",
				notification.Payload,
			)
			continue
		}

		switch channel {
		case p.PrefixChannelName():
			select {
			case p.b.triggerPrefixRefreshCh <- guildID:
				logger.Info(
					"sent prefix refresh signal from postgres listener",
					"guild_id", guildID,
				)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn(
					"timed out sending prefix refresh signal",
					"guild_id", guildID,
				)
			}
		case p.GuildRemovedChannelName():
			select {
			case p.b.triggerGuildRemovedCh <- guildID:
				logger.Info(
					"sent guild removal signal from postgres listener",
					"guild_id", guildID,
				)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn(
					"timed out sending guild removal signal",
					"guild_id", guildID,
				)
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseGuildNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
