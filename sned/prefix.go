package sned

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

// PrefixCache is a read-through, write-through cache over
// GuildConfig.Prefixes. It is unbounded: cardinality follows guild
// membership, not request volume, and entries for removed guilds are
// evicted on the same event that deletes their rows.
//
// Concurrent resolutions of a never-before-seen guild may each query the
// store and redundantly cache the same default; that write is idempotent,
// so no per-key locking is used.
type PrefixCache struct {
	mu            sync.RWMutex
	entries       map[string][]string
	store         GuildStore
	defaultPrefix string
	logger        *slog.Logger
}

func NewPrefixCache(
	store GuildStore,
	defaultPrefix string,
	log *slog.Logger,
) *PrefixCache {
	if log == nil {
		log = slog.Default()
	}
	return &PrefixCache{
		entries:       map[string][]string{},
		store:         store,
		defaultPrefix: defaultPrefix,
		logger:        log.With(loggerNameKey, "prefix_cache"),
	}
}

// DefaultPrefixes returns the process-wide fallback prefix list.
func (p *PrefixCache) DefaultPrefixes() []string {
	return []string{p.defaultPrefix}
}

// Resolve returns the command prefixes for a guild. Cached entries are
// returned without I/O; otherwise the store is queried and the result (or
// the default, if the guild has no configured prefix) is cached, so a miss
// never hits the store twice. Resolve is total: it always returns a
// non-empty prefix list, even if the store is unreachable.
func (p *PrefixCache) Resolve(ctx context.Context, guildID string) []string {
	if guildID == "" {
		return p.DefaultPrefixes()
	}

	p.mu.RLock()
	cached, ok := p.entries[guildID]
	p.mu.RUnlock()
	if ok {
		return append([]string(nil), cached...)
	}

	prefixes, err := p.store.GetPrefixes(ctx, guildID)
	if err != nil {
		// Don't cache: a later resolution should retry the store.
		p.logger.ErrorContext(
			ctx,
			"error resolving prefix, falling back to default",
			"guild_id", guildID,
			tint.Err(err),
		)
		return p.DefaultPrefixes()
	}
	if len(prefixes) == 0 {
		prefixes = p.DefaultPrefixes()
	}

	p.mu.Lock()
	p.entries[guildID] = prefixes
	p.mu.Unlock()

	return append([]string(nil), prefixes...)
}

// Set persists the guild's prefixes and then updates the in-memory entry.
// The cache is only touched after the store acknowledges the write, so a
// prefix that was never durably committed is never served.
func (p *PrefixCache) Set(ctx context.Context, guildID string, prefixes []string) error {
	if err := p.store.SetPrefixes(ctx, guildID, prefixes); err != nil {
		return err
	}

	entry := prefixes
	if len(entry) == 0 {
		entry = p.DefaultPrefixes()
	}

	p.mu.Lock()
	p.entries[guildID] = append([]string(nil), entry...)
	p.mu.Unlock()

	return nil
}

// Preload bulk-loads every guild's prefix from the store, defaulting
// guilds with no configured prefix, so the first message in any known
// guild resolves without I/O.
func (p *PrefixCache) Preload(ctx context.Context) error {
	p.logger.InfoContext(ctx, "initializing prefix cache")
	guilds, err := p.store.AllGuilds(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for _, guild := range guilds {
		if len(guild.Prefixes) > 0 {
			p.entries[guild.GuildID] = append([]string(nil), guild.Prefixes...)
		} else {
			p.entries[guild.GuildID] = p.DefaultPrefixes()
		}
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "prefix cache ready", "guilds", len(guilds))
	return nil
}

// Evict drops the guild's cache entry. Called when the bot leaves a guild,
// on the same path that removes its rows.
func (p *PrefixCache) Evict(guildID string) {
	p.mu.Lock()
	delete(p.entries, guildID)
	p.mu.Unlock()
}

// Invalidate discards the cached entry and re-resolves it from the store.
// Used when another instance announces a prefix change.
func (p *PrefixCache) Invalidate(ctx context.Context, guildID string) {
	p.Evict(guildID)
	p.Resolve(ctx, guildID)
}

// cached reports the entry currently held for a guild, without triggering
// a read-through.
func (p *PrefixCache) cached(guildID string) ([]string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[guildID]
	return entry, ok
}
