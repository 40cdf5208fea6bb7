package sned

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserArg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		userID string
		ok     bool
	}{
		{"<@123456>", "123456", true},
		{"<@!123456>", "123456", true},
		{"123456", "123456", true},
		{"<@>", "", false},
		{"@everyone", "", false},
		{"frank", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		userID, ok := parseUserArg(tt.input)
		assert.Equalf(t, tt.ok, ok, "input: %q", tt.input)
		assert.Equalf(t, tt.userID, userID, "input: %q", tt.input)
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	registry := NewCommandRegistry()
	require.NoError(
		t,
		registry.Register(
			&Command{Name: "Warns", Aliases: []string{"WARNINGS"}},
		),
	)

	cmd, ok := registry.Lookup("warns")
	require.True(t, ok)
	assert.Equal(t, "Warns", cmd.Name)

	cmd, ok = registry.Lookup("Warnings")
	require.True(t, ok)
	assert.Equal(t, "Warns", cmd.Name)

	_, ok = registry.Lookup("nope")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	registry := NewCommandRegistry()
	require.NoError(t, registry.Register(&Command{Name: "warn"}))

	assert.Error(t, registry.Register(&Command{Name: "warn"}))
	assert.Error(
		t,
		registry.Register(&Command{Name: "alert", Aliases: []string{"warn"}}),
	)
}

func TestBareMentionRepliesWithPrefixes(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "<@bot-user>")
	require.NoError(t, b.HandleEvent(ctx, ev))

	sent := sender.last(t)
	assert.True(t, sent.Reply)
	assert.Equal(t, "Beep Boop!", sent.Embed.Title)
	assert.Contains(t, sent.Embed.Description, "sn ")
	assert.Equal(t, 0xfec01d, sent.Embed.Color)
}

func TestUnmatchedPrefixIgnored(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "hello everyone")
	require.NoError(t, b.HandleEvent(ctx, ev))
	assert.Empty(t, sender.all())
}

func TestUnknownCommandSuggestion(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn prefx")
	require.NoError(t, b.HandleEvent(ctx, ev))

	sent := sender.last(t)
	assert.Equal(t, "❓ Unknown command!", sent.Embed.Title)
	assert.Equal(t, "Did you mean `sn prefix`?", sent.Embed.Description)
	assert.Equal(t, 0xbe1931, sent.Embed.Color)
}

func TestUnknownCommandNoMatchSilent(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn qqqqqq")
	require.NoError(t, b.HandleEvent(ctx, ev))
	assert.Empty(t, sender.all())
}

func TestRateLimitDropsSilently(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	b.limiter = NewChannelRateLimiter(
		&RateLimitConfig{Burst: 1, Window: time.Minute},
		nil,
	)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	first := messageEvent("guild-1", "channel-1", "user-1", "sn prefix")
	require.NoError(t, b.HandleEvent(ctx, first))
	require.Len(t, sender.all(), 1)

	// no tokens left: no reply, not even an error embed
	second := messageEvent("guild-1", "channel-1", "user-2", "sn prefix")
	require.NoError(t, b.HandleEvent(ctx, second))
	assert.Len(t, sender.all(), 1)

	// other channels are unaffected
	third := messageEvent("guild-1", "channel-2", "user-3", "sn prefix")
	require.NoError(t, b.HandleEvent(ctx, third))
	assert.Len(t, sender.all(), 2)
}

func TestMissingArgument(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn warn")
	ev.Permissions = discordgo.PermissionKickMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	sent := sender.last(t)
	assert.Equal(t, "❌ Missing argument", sent.Embed.Title)
	assert.Contains(t, sent.Embed.Description, "`sn warn <user>`")
}

func TestTooManyArguments(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn warn a b c")
	ev.Permissions = discordgo.PermissionKickMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	assert.Equal(t, "❌ Too many arguments", sender.last(t).Embed.Title)
}

func TestPermissionCheckFailure(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	// no kick permission; the reply never names the missing capability
	ev := messageEvent("guild-1", "channel-1", "user-1", "sn warn <@2>")
	require.NoError(t, b.HandleEvent(ctx, ev))

	sent := sender.last(t)
	assert.Equal(t, "❌ Error: Insufficient permissions", sent.Embed.Title)
	assert.NotContains(t, sent.Embed.Description, "kick")
}

func TestWarnPersists(t *testing.T) {
	t.Parallel()
	b, sender, resolver := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	resolver.members["2"] = &discordgo.Member{
		User: &discordgo.User{ID: "2", Username: "target"},
	}

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn warn <@2>")
	ev.Permissions = discordgo.PermissionKickMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	sent := sender.last(t)
	assert.Contains(t, sent.Embed.Description, "`1` warning")

	rec, err := b.store.GetUser(ctx, "2", "guild-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Warns)
}

func TestWarnUnknownMember(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn warn <@404>")
	ev.Permissions = discordgo.PermissionKickMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	assert.Equal(
		t,
		"❌ Cannot find user by that name",
		sender.last(t).Embed.Title,
	)
}

func TestCooldown(t *testing.T) {
	t.Parallel()
	b, sender, resolver := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	resolver.members["2"] = &discordgo.Member{
		User: &discordgo.User{ID: "2", Username: "target"},
	}

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn warn <@2>")
	ev.Permissions = discordgo.PermissionKickMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	// immediate retry by the same user is rejected
	require.NoError(t, b.HandleEvent(ctx, ev))
	assert.Equal(
		t,
		"🕘 Error: This command is on cooldown",
		sender.last(t).Embed.Title,
	)

	// the database was not touched again
	rec, err := b.store.GetUser(ctx, "2", "guild-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Warns)
}

func TestMuteWithDuration(t *testing.T) {
	t.Parallel()
	b, sender, resolver := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	resolver.members["2"] = &discordgo.Member{
		User: &discordgo.User{ID: "2", Username: "target"},
	}

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn mute <@2> 50ms")
	ev.Permissions = discordgo.PermissionModerateMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	assert.Equal(t, "🔇 Muted", sender.last(t).Embed.Title)

	rec, err := b.store.GetUser(ctx, "2", "guild-1")
	require.NoError(t, err)
	assert.True(t, rec.IsMuted)

	// the timed unmute clears the flag
	require.Eventually(
		t, func() bool {
			rec, err = b.store.GetUser(ctx, "2", "guild-1")
			return err == nil && !rec.IsMuted
		},
		2*time.Second,
		10*time.Millisecond,
	)
}

func TestMuteBadDuration(t *testing.T) {
	t.Parallel()
	b, sender, resolver := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	resolver.members["2"] = &discordgo.Member{
		User: &discordgo.User{ID: "2", Username: "target"},
	}

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn mute <@2> forever")
	ev.Permissions = discordgo.PermissionModerateMembers
	require.NoError(t, b.HandleEvent(ctx, ev))

	assert.Equal(t, "❌ Bad argument", sender.last(t).Embed.Title)
}

func TestPrefixCommandShowAndSet(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	// anyone can view
	show := messageEvent("guild-1", "channel-1", "user-1", "sn prefix")
	require.NoError(t, b.HandleEvent(ctx, show))
	assert.Contains(t, sender.last(t).Embed.Description, "sn ")

	// setting requires manage-server
	set := messageEvent("guild-1", "channel-1", "user-2", "sn prefix !")
	require.NoError(t, b.HandleEvent(ctx, set))
	assert.Equal(
		t,
		"❌ Error: Insufficient permissions",
		sender.last(t).Embed.Title,
	)

	set = messageEvent("guild-1", "channel-1", "user-3", "sn prefix !")
	set.Permissions = discordgo.PermissionManageServer
	require.NoError(t, b.HandleEvent(ctx, set))
	assert.Equal(t, "Prefix updated", sender.last(t).Embed.Title)

	// the new prefix dispatches, and is durable
	prefixes, err := b.store.GetPrefixes(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"!"}, prefixes)

	show = messageEvent("guild-1", "channel-1", "user-4", "!prefix")
	require.NoError(t, b.HandleEvent(ctx, show))
	assert.Contains(t, sender.last(t).Embed.Description, "!")
}

func TestResetRequiresOwner(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	ev := messageEvent("guild-1", "channel-1", "user-1", "sn reset")
	ev.Permissions = discordgo.PermissionAdministrator
	require.NoError(t, b.HandleEvent(ctx, ev))

	assert.Equal(
		t,
		"❌ Error: Insufficient permissions",
		sender.last(t).Embed.Title,
	)
}

func TestResetConfirmFlow(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))
	require.NoError(t, b.cache.Set(ctx, "guild-1", []string{"!"}))

	rec, err := b.store.GetUser(ctx, "user-9", "guild-1")
	require.NoError(t, err)
	rec.Warns = 4
	require.NoError(t, b.store.UpsertUser(ctx, rec))

	done := make(chan error, 1)
	go func() {
		ev := messageEvent("guild-1", "channel-1", "owner-1", "!reset")
		done <- b.HandleEvent(ctx, ev)
	}()

	// wait for the confirmation prompt, then answer it
	require.Eventually(
		t, func() bool {
			b.promptMu.Lock()
			defer b.promptMu.Unlock()
			_, ok := b.prompts["channel-1:owner-1"]
			return ok
		},
		2*time.Second,
		5*time.Millisecond,
	)
	confirm := messageEvent("guild-1", "channel-1", "owner-1", "confirm")
	require.NoError(t, b.HandleEvent(ctx, confirm))

	require.NoError(t, <-done)
	assert.Equal(t, "Reset complete", sender.last(t).Embed.Title)

	users, err := b.store.ListUsers(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, users)

	// back on the default prefix
	assert.Equal(
		t,
		[]string{"sn "},
		b.cache.Resolve(ctx, "guild-1"),
	)
}

func TestResetCancelled(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	rec, err := b.store.GetUser(ctx, "user-9", "guild-1")
	require.NoError(t, err)
	require.NoError(t, b.store.UpsertUser(ctx, rec))

	done := make(chan error, 1)
	go func() {
		ev := messageEvent("guild-1", "channel-1", "owner-1", "sn reset")
		done <- b.HandleEvent(ctx, ev)
	}()

	require.Eventually(
		t, func() bool {
			b.promptMu.Lock()
			defer b.promptMu.Unlock()
			_, ok := b.prompts["channel-1:owner-1"]
			return ok
		},
		2*time.Second,
		5*time.Millisecond,
	)
	decline := messageEvent("guild-1", "channel-1", "owner-1", "no")
	require.NoError(t, b.HandleEvent(ctx, decline))

	require.NoError(t, <-done)
	assert.Equal(t, "Reset aborted", sender.last(t).Embed.Title)
	assert.Equal(t, "Operation cancelled.", sender.last(t).Embed.Description)

	// nothing was deleted
	users, err := b.store.ListUsers(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestAwaitReplyTimesOut(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	_, err := b.awaitReply(
		context.Background(),
		"channel-1",
		"user-1",
		20*time.Millisecond,
	)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ErrKindTimeout, cmdErr.Kind)
}

func TestNotesRoundTrip(t *testing.T) {
	t.Parallel()
	b, sender, resolver := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.store.EnsureGuild(ctx, "guild-1"))

	resolver.members["2"] = &discordgo.Member{
		User: &discordgo.User{ID: "2", Username: "target"},
	}

	set := messageEvent("guild-1", "channel-1", "user-1", "sn notes <@2> keeps spamming memes")
	set.Permissions = discordgo.PermissionKickMembers
	require.NoError(t, b.HandleEvent(ctx, set))
	assert.Equal(t, "Notes updated", sender.last(t).Embed.Title)

	rec, err := b.store.GetUser(ctx, "2", "guild-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Notes)
	assert.Equal(t, "keeps spamming memes", *rec.Notes)
}
