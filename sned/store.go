package sned

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var userUpsertColumns = []string{"flags", "warns", "is_muted", "notes"}

// GuildStore is the repository over guild configuration and per-guild user
// state. This is here primarily to enable mocking for testing; [guildStore]
// implements it for 'real' DB operations.
type GuildStore interface {
	// EnsureGuild creates the guild's configuration row if it doesn't
	// exist. Safe to call repeatedly.
	EnsureGuild(ctx context.Context, guildID string) error

	// ResetGuild deletes the guild's configuration row, cascading all of
	// its user records, then immediately recreates an empty row so
	// membership bookkeeping stays accurate. Irreversible; callers must
	// gate this behind a privilege check.
	ResetGuild(ctx context.Context, guildID string) error

	// DeleteGuildData is the destructive "erase everything for this
	// tenant" entry point - an alias of ResetGuild, kept distinct from
	// DeleteGuild, which does not recreate the row.
	DeleteGuildData(ctx context.Context, guildID string) error

	// DeleteGuild hard-deletes the guild row (and cascades its users)
	// without recreating it. Used when the bot leaves a guild.
	DeleteGuild(ctx context.Context, guildID string) error

	// GetUser returns the user's record for the guild, materializing a
	// record with default values if none exists. Callers never see
	// "not found".
	GetUser(ctx context.Context, userID string, guildID string) (*UserRecord, error)

	// UpsertUser inserts or fully replaces the record keyed by
	// (user_id, guild_id). Writes referencing a guild that no longer
	// exists are logged and dropped, not surfaced: timed moderation
	// actions may fire after the bot has left the guild.
	UpsertUser(ctx context.Context, rec *UserRecord) error

	// ListUsers returns all user records for a guild. Never nil.
	ListUsers(ctx context.Context, guildID string) ([]UserRecord, error)

	// AllGuilds returns every guild configuration row.
	AllGuilds(ctx context.Context) ([]GuildConfig, error)

	// GetPrefixes returns the guild's configured prefixes, nil if the
	// guild has no row or no prefix set.
	GetPrefixes(ctx context.Context, guildID string) ([]string, error)

	// SetPrefixes persists the guild's prefix list, creating the guild
	// row first if needed.
	SetPrefixes(ctx context.Context, guildID string, prefixes []string) error

	DB() *gorm.DB
}

// guildStore wraps a GORM connection. When concurrent writes are disabled
// (SQLite), a mutex serializes all write operations; correctness of
// concurrent upserts otherwise relies on ON CONFLICT atomicity in the
// database, not application locking.
type guildStore struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewGuildStore initializes a GuildStore over the given connection.
// enableConcurrentWrites should be false for SQLite.
func NewGuildStore(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) GuildStore {
	if log == nil {
		log = slog.Default()
	}
	return &guildStore{
		db:                     db,
		logger:                 log.With(loggerNameKey, "store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (g *guildStore) DB() *gorm.DB {
	return g.db
}

func (g *guildStore) lock() {
	if g.enableConcurrentWrites {
		return
	}
	g.mu.Lock()
}

func (g *guildStore) unlock() {
	if g.enableConcurrentWrites {
		return
	}
	g.mu.Unlock()
}

// withTimeout applies the default operation timeout when the caller didn't
// set a deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (g *guildStore) EnsureGuild(ctx context.Context, guildID string) error {
	g.lock()
	defer g.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := g.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoNothing: true,
		},
	).Create(&GuildConfig{GuildID: guildID}).Error
	if err != nil {
		return fmt.Errorf("error ensuring guild %s: %w", guildID, err)
	}
	return nil
}

func (g *guildStore) ResetGuild(ctx context.Context, guildID string) error {
	g.lock()
	defer g.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := g.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Delete(&GuildConfig{GuildID: guildID}).Error; err != nil {
				return err
			}
			// Recreate the row so the set of guilds the bot is in stays
			// accurate.
			return tx.Create(&GuildConfig{GuildID: guildID}).Error
		},
	)
	if err != nil {
		return fmt.Errorf("error resetting guild %s: %w", guildID, err)
	}
	g.logger.WarnContext(ctx, "configuration reset for guild", "guild_id", guildID)
	return nil
}

func (g *guildStore) DeleteGuildData(ctx context.Context, guildID string) error {
	return g.ResetGuild(ctx, guildID)
}

func (g *guildStore) DeleteGuild(ctx context.Context, guildID string) error {
	g.lock()
	defer g.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := g.db.WithContext(ctx).Delete(&GuildConfig{GuildID: guildID}).Error
	if err != nil {
		return fmt.Errorf("error deleting guild %s: %w", guildID, err)
	}
	return nil
}

func (g *guildStore) GetUser(
	ctx context.Context,
	userID string,
	guildID string,
) (*UserRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rec UserRecord
	err := g.db.WithContext(ctx).Where(
		"user_id = ? AND guild_id = ?",
		userID,
		guildID,
	).First(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error getting user %s/%s: %w", userID, guildID, err)
	}

	// Materialize a record with default values. Concurrent callers may
	// race to create the same record; the write is idempotent, so both
	// converge to the same state.
	newRec := NewUserRecord(userID, guildID)
	if err = g.UpsertUser(ctx, newRec); err != nil {
		return nil, err
	}
	return newRec, nil
}

func (g *guildStore) UpsertUser(ctx context.Context, rec *UserRecord) error {
	g.lock()
	defer g.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := g.db.WithContext(ctx).Omit("Guild").Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"},
				{Name: "guild_id"},
			},
			DoUpdates: clause.AssignmentColumns(userUpsertColumns),
		},
	).Create(rec).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		g.logger.WarnContext(
			ctx,
			"dropping user upsert for a guild that no longer exists; "+
				"this can happen when a pending timer outlives guild membership",
			"user", rec,
		)
		return nil
	}
	return fmt.Errorf(
		"error upserting user %s/%s: %w",
		rec.UserID, rec.GuildID, err,
	)
}

func (g *guildStore) ListUsers(
	ctx context.Context,
	guildID string,
) ([]UserRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	users := make([]UserRecord, 0)
	err := g.db.WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("error listing users for guild %s: %w", guildID, err)
	}
	return users, nil
}

func (g *guildStore) AllGuilds(ctx context.Context) ([]GuildConfig, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var guilds []GuildConfig
	err := g.db.WithContext(ctx).Find(&guilds).Error
	if err != nil {
		return nil, fmt.Errorf("error listing guilds: %w", err)
	}
	return guilds, nil
}

func (g *guildStore) GetPrefixes(
	ctx context.Context,
	guildID string,
) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var cfg GuildConfig
	err := g.db.WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting prefixes for guild %s: %w", guildID, err)
	}
	return cfg.Prefixes, nil
}

func (g *guildStore) SetPrefixes(
	ctx context.Context,
	guildID string,
	prefixes []string,
) error {
	if err := g.EnsureGuild(ctx, guildID); err != nil {
		return err
	}

	g.lock()
	defer g.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := g.db.WithContext(ctx).Model(
		&GuildConfig{GuildID: guildID},
	).Update("prefix", StringList(prefixes)).Error
	if err != nil {
		return fmt.Errorf("error setting prefixes for guild %s: %w", guildID, err)
	}
	return nil
}
