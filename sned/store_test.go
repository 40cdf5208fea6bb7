package sned

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUserMaterializesDefaults(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))

	rec, err := store.GetUser(ctx, "user-1", "guild-1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "guild-1", rec.GuildID)
	assert.Equal(t, 0, rec.Warns)
	assert.False(t, rec.IsMuted)
	assert.Empty(t, rec.Flags)
	assert.Nil(t, rec.Notes)

	// the materialized record is durable
	users, err := store.ListUsers(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "user-1", users[0].UserID)
}

func TestUpsertUserIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))

	rec, err := store.GetUser(ctx, "user-1", "guild-1")
	require.NoError(t, err)

	rec.Warns = 3
	rec.IsMuted = true
	require.NoError(t, store.UpsertUser(ctx, rec))
	require.NoError(t, store.UpsertUser(ctx, rec))

	users, err := store.ListUsers(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 3, users[0].Warns)
	assert.True(t, users[0].IsMuted)
}

func TestUpsertUserUpdatesExisting(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))

	rec, err := store.GetUser(ctx, "user-1", "guild-1")
	require.NoError(t, err)

	rec.Warns = 1
	notes := "repeat offender"
	rec.Notes = &notes
	rec.Flags = StringList{"spam"}
	require.NoError(t, store.UpsertUser(ctx, rec))

	got, err := store.GetUser(ctx, "user-1", "guild-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Warns)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "repeat offender", *got.Notes)
	assert.Equal(t, StringList{"spam"}, got.Flags)
}

func TestResetGuildCascadesAndRecreates(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))
	require.NoError(
		t,
		store.SetPrefixes(ctx, "guild-1", []string{"!", "?"}),
	)

	rec, err := store.GetUser(ctx, "user-1", "guild-1")
	require.NoError(t, err)
	rec.Warns = 5
	require.NoError(t, store.UpsertUser(ctx, rec))

	require.NoError(t, store.ResetGuild(ctx, "guild-1"))

	// users cascade away
	users, err := store.ListUsers(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, users)

	// prefixes are gone too
	prefixes, err := store.GetPrefixes(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	// but the guild row itself was recreated
	guilds, err := store.AllGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 1)
	assert.Equal(t, "guild-1", guilds[0].GuildID)
}

func TestDeleteGuildDoesNotRecreate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))
	require.NoError(t, store.EnsureGuild(ctx, "guild-2"))

	rec, err := store.GetUser(ctx, "user-1", "guild-1")
	require.NoError(t, err)
	require.NoError(t, store.UpsertUser(ctx, rec))

	require.NoError(t, store.DeleteGuild(ctx, "guild-1"))

	users, err := store.ListUsers(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, users)

	guilds, err := store.AllGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 1)
	assert.Equal(t, "guild-2", guilds[0].GuildID)
}

func TestUpsertUserDanglingGuildDropped(t *testing.T) {
	t.Parallel()

	recorder := &logRecorder{}
	store := NewGuildStore(newTestDB(t), slog.New(recorder), false)
	ctx := context.Background()

	// no guild row exists, so the FK is violated; the write must be
	// swallowed and logged, not surfaced
	err := store.UpsertUser(ctx, NewUserRecord("user-1", "gone-guild"))
	require.NoError(t, err)

	users, err := store.ListUsers(ctx, "gone-guild")
	require.NoError(t, err)
	assert.Empty(t, users)

	warnings := recorder.messages(slog.LevelWarn)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "dropping user upsert")
}

func TestEnsureGuildIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))
	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))

	guilds, err := store.AllGuilds(ctx)
	require.NoError(t, err)
	assert.Len(t, guilds, 1)
}

func TestEnsureGuildKeepsExistingPrefixes(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))
	require.NoError(t, store.SetPrefixes(ctx, "guild-1", []string{"!"}))

	// a later join event must not clobber the configured prefixes
	require.NoError(t, store.EnsureGuild(ctx, "guild-1"))

	prefixes, err := store.GetPrefixes(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"!"}, prefixes)
}

func TestGetPrefixesUnknownGuild(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	prefixes, err := store.GetPrefixes(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, prefixes)
}

func TestListUsersNeverNil(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	users, err := store.ListUsers(context.Background(), "empty-guild")
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}
