package sned

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Command is a registered bot command. Handlers return nil on success, a
// *CommandError for expected failures (these are classified and reported
// to the invoker), or any other error to reach the unclassified path.
type Command struct {
	Name        string
	Aliases     []string
	Description string

	// Usage is the argument hint shown in argument-error replies,
	// e.g. "<user> [duration]"
	Usage string

	// Hidden commands are excluded from unknown-command suggestions
	Hidden bool

	// OwnerOnly restricts the command to the configured bot owner
	OwnerOnly bool

	// RequiredPermissions the invoker must hold in the channel
	// (discordgo permission bits). 0 means anyone.
	RequiredPermissions int64

	// MinArgs / MaxArgs bound the accepted argument count.
	// MaxArgs < 0 means unlimited.
	MinArgs int
	MaxArgs int

	// Cooldown is the minimum interval between invocations per user.
	// 0 disables the cooldown.
	Cooldown time.Duration

	// MaxConcurrency caps simultaneous executions of this command.
	// 0 means unlimited.
	MaxConcurrency int

	Run func(ctx context.Context, inv *Invocation) error

	running atomic.Int64
}

// CommandRegistry maps command names and aliases to commands.
// Lookups are case-insensitive.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: map[string]*Command{},
		aliases:  map[string]string{},
	}
}

func (r *CommandRegistry) Register(cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(cmd.Name)
	if name == "" {
		return fmt.Errorf("command name required")
	}
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if _, exists := r.aliases[name]; exists {
		return fmt.Errorf("command %q conflicts with an existing alias", name)
	}
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(alias)
		if _, exists := r.commands[alias]; exists {
			return fmt.Errorf("alias %q conflicts with an existing command", alias)
		}
		if _, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q already registered", alias)
		}
	}

	r.commands[name] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[strings.ToLower(alias)] = name
	}
	return nil
}

// Lookup resolves a command by name or alias.
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = strings.ToLower(name)
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.commands[canonical], true
	}
	return nil, false
}

// VisibleNames returns the names of all non-hidden commands.
func (r *CommandRegistry) VisibleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name, cmd := range r.commands {
		if !cmd.Hidden {
			names = append(names, name)
		}
	}
	return names
}

// VisibleAliases returns the aliases of all non-hidden commands.
func (r *CommandRegistry) VisibleAliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]string, 0, len(r.aliases))
	for alias, canonical := range r.aliases {
		if cmd := r.commands[canonical]; cmd != nil && !cmd.Hidden {
			aliases = append(aliases, alias)
		}
	}
	return aliases
}

// Invocation is one resolved command invocation: the matched command, the
// parsed arguments, and enough of the originating event to reply.
type Invocation struct {
	GuildID   string
	ChannelID string
	MessageID string
	Author    *discordgo.User

	// Permissions are the invoker's effective channel permissions
	Permissions int64

	Prefix  string
	Invoked string
	Args    []string

	Command *Command

	bot *Bot
}

func (inv *Invocation) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("guild_id", inv.GuildID),
		slog.String("channel_id", inv.ChannelID),
		slog.String("invoked", inv.Invoked),
	}
	if inv.Author != nil {
		attrs = append(attrs, slog.String("user_id", inv.Author.ID))
	}
	return slog.GroupValue(attrs...)
}

// Reply sends an embed to the invocation's channel.
func (inv *Invocation) Reply(embed *discordgo.MessageEmbed) error {
	return inv.bot.sender.SendEmbed(inv.ChannelID, embed)
}

// ReplyText sends a simple titled embed using the info color.
func (inv *Invocation) ReplyText(title string, description string) error {
	return inv.Reply(
		&discordgo.MessageEmbed{
			Title:       title,
			Description: description,
			Color:       inv.bot.messages.InfoColor,
		},
	)
}

// commandError builds a *CommandError pre-filled from the invocation.
func (inv *Invocation) commandError(kind CommandErrorKind) *CommandError {
	e := &CommandError{
		Kind:    kind,
		Invoked: inv.Invoked,
		Prefix:  inv.Prefix,
	}
	if inv.Command != nil {
		e.CommandName = inv.Command.Name
		e.Usage = inv.Command.Usage
	}
	return e
}

var userMentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// parseUserArg extracts a user ID from a mention ("<@123>", "<@!123>") or
// a bare numeric ID.
func parseUserArg(arg string) (string, bool) {
	if m := userMentionPattern.FindStringSubmatch(arg); m != nil {
		return m[1], true
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	if arg == "" {
		return "", false
	}
	return arg, true
}

// resolveMemberArg resolves a command argument to a guild member,
// returning tagged errors for malformed or unknown targets.
func (inv *Invocation) resolveMemberArg(arg string) (*discordgo.Member, error) {
	userID, ok := parseUserArg(arg)
	if !ok {
		return nil, inv.commandError(ErrKindBadArgument)
	}
	member, err := inv.bot.members.ResolveMember(inv.GuildID, userID)
	if err != nil {
		e := inv.commandError(ErrKindMemberNotFound)
		e.Detail = fmt.Sprintf("member %s not found", userID)
		e.Err = err
		return nil, e
	}
	return member, nil
}

// registerCoreCommands wires the built-in moderation commands into the
// bot's registry.
func (b *Bot) registerCoreCommands() error {
	commands := []*Command{
		{
			Name:        "prefix",
			Description: "Show or set this server's command prefixes",
			Usage:       "[new prefixes...]",
			MaxArgs:     -1,
			Cooldown:    DefaultCommandCooldown,
			Run:         b.commandPrefix,
		},
		{
			Name:                "warn",
			Description:         "Warn a user",
			Usage:               "<user>",
			MinArgs:             1,
			MaxArgs:             1,
			RequiredPermissions: discordgo.PermissionKickMembers,
			Cooldown:            DefaultCommandCooldown,
			Run:                 b.commandWarn,
		},
		{
			Name:                "warns",
			Aliases:             []string{"warnings"},
			Description:         "Show a user's warning count",
			Usage:               "<user>",
			MinArgs:             1,
			MaxArgs:             1,
			RequiredPermissions: discordgo.PermissionKickMembers,
			Cooldown:            DefaultCommandCooldown,
			Run:                 b.commandWarns,
		},
		{
			Name:                "notes",
			Description:         "Show or set moderation notes for a user",
			Usage:               "<user> [text...]",
			MinArgs:             1,
			MaxArgs:             -1,
			RequiredPermissions: discordgo.PermissionKickMembers,
			Cooldown:            DefaultCommandCooldown,
			Run:                 b.commandNotes,
		},
		{
			Name:                "mute",
			Description:         "Mute a user, optionally for a limited duration",
			Usage:               "<user> [duration]",
			MinArgs:             1,
			MaxArgs:             2,
			RequiredPermissions: discordgo.PermissionModerateMembers,
			Cooldown:            DefaultCommandCooldown,
			MaxConcurrency:      DefaultCommandMaxConcurrency,
			Run:                 b.commandMute,
		},
		{
			Name:                "unmute",
			Description:         "Unmute a user",
			Usage:               "<user>",
			MinArgs:             1,
			MaxArgs:             1,
			RequiredPermissions: discordgo.PermissionModerateMembers,
			Cooldown:            DefaultCommandCooldown,
			Run:                 b.commandUnmute,
		},
		{
			Name:        "reset",
			Description: "Erase ALL stored configuration and moderation state for this server",
			Hidden:      true,
			OwnerOnly:   true,
			MaxArgs:     0,
			Run:         b.commandReset,
		},
	}

	for _, cmd := range commands {
		if err := b.registry.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) commandPrefix(ctx context.Context, inv *Invocation) error {
	if len(inv.Args) == 0 {
		prefixes := b.cache.Resolve(ctx, inv.GuildID)
		return inv.ReplyText(
			b.messages.PrefixInfoTitle,
			fmt.Sprintf(
				b.messages.PrefixInfoDescription,
				strings.Join(prefixes, ", "),
			),
		)
	}

	if inv.Permissions&discordgo.PermissionManageServer == 0 {
		return inv.commandError(ErrKindUserMissingPermissions)
	}

	if err := b.cache.Set(ctx, inv.GuildID, inv.Args); err != nil {
		return err
	}
	b.notifier.PrefixUpdated(ctx, inv.GuildID)

	return inv.ReplyText(
		"Prefix updated",
		fmt.Sprintf(
			b.messages.PrefixInfoDescription,
			strings.Join(inv.Args, ", "),
		),
	)
}

func (b *Bot) commandWarn(ctx context.Context, inv *Invocation) error {
	member, err := inv.resolveMemberArg(inv.Args[0])
	if err != nil {
		return err
	}

	rec, err := b.store.GetUser(ctx, member.User.ID, inv.GuildID)
	if err != nil {
		return err
	}
	rec.Warns++
	if err = b.store.UpsertUser(ctx, rec); err != nil {
		return err
	}

	return inv.ReplyText(
		"⚠️ Warning issued",
		fmt.Sprintf(
			"**%s** now has `%d` warning(s).",
			member.User.Username,
			rec.Warns,
		),
	)
}

func (b *Bot) commandWarns(ctx context.Context, inv *Invocation) error {
	member, err := inv.resolveMemberArg(inv.Args[0])
	if err != nil {
		return err
	}

	rec, err := b.store.GetUser(ctx, member.User.ID, inv.GuildID)
	if err != nil {
		return err
	}
	return inv.ReplyText(
		"Warnings",
		fmt.Sprintf(
			"**%s** has `%d` warning(s).",
			member.User.Username,
			rec.Warns,
		),
	)
}

func (b *Bot) commandNotes(ctx context.Context, inv *Invocation) error {
	member, err := inv.resolveMemberArg(inv.Args[0])
	if err != nil {
		return err
	}

	rec, err := b.store.GetUser(ctx, member.User.ID, inv.GuildID)
	if err != nil {
		return err
	}

	if len(inv.Args) == 1 {
		notes := stringPointerValue(rec.Notes)
		if notes == "" {
			notes = "(none)"
		}
		return inv.ReplyText(
			fmt.Sprintf("Notes for %s", member.User.Username),
			notes,
		)
	}

	// embed descriptions cap out at 4096 characters
	notes := truncate(strings.Join(inv.Args[1:], " "), 4000)
	rec.Notes = &notes
	if err = b.store.UpsertUser(ctx, rec); err != nil {
		return err
	}
	return inv.ReplyText(
		"Notes updated",
		fmt.Sprintf("Saved notes for **%s**.", member.User.Username),
	)
}

func (b *Bot) commandMute(ctx context.Context, inv *Invocation) error {
	member, err := inv.resolveMemberArg(inv.Args[0])
	if err != nil {
		return err
	}

	var duration time.Duration
	if len(inv.Args) == 2 {
		duration, err = time.ParseDuration(inv.Args[1])
		if err != nil || duration <= 0 {
			e := inv.commandError(ErrKindBadArgument)
			e.Err = err
			return e
		}
	}

	rec, err := b.store.GetUser(ctx, member.User.ID, inv.GuildID)
	if err != nil {
		return err
	}
	rec.IsMuted = true
	if err = b.store.UpsertUser(ctx, rec); err != nil {
		return err
	}

	description := fmt.Sprintf("**%s** has been muted.", member.User.Username)
	if duration > 0 {
		description = fmt.Sprintf(
			"**%s** has been muted for `%s`.",
			member.User.Username,
			duration,
		)
		b.scheduleUnmute(member.User.ID, inv.GuildID, duration)
	}

	return inv.ReplyText("🔇 Muted", description)
}

// scheduleUnmute clears the mute flag after the given duration. The timer
// may outlive guild membership; the store drops the resulting dangling
// write rather than failing.
func (b *Bot) scheduleUnmute(userID string, guildID string, duration time.Duration) {
	logger := b.logger.With(
		"user_id", userID,
		"guild_id", guildID,
	)
	time.AfterFunc(
		duration, func() {
			ctx, cancel := context.WithTimeout(
				context.Background(),
				dbOperationTimeout,
			)
			defer cancel()

			rec, err := b.store.GetUser(ctx, userID, guildID)
			if err != nil {
				logger.Error("error loading user for timed unmute", tint.Err(err))
				return
			}
			rec.IsMuted = false
			if err = b.store.UpsertUser(ctx, rec); err != nil {
				logger.Error("error clearing mute", tint.Err(err))
				return
			}
			logger.Info("timed unmute complete")
		},
	)
}

func (b *Bot) commandUnmute(ctx context.Context, inv *Invocation) error {
	member, err := inv.resolveMemberArg(inv.Args[0])
	if err != nil {
		return err
	}

	rec, err := b.store.GetUser(ctx, member.User.ID, inv.GuildID)
	if err != nil {
		return err
	}
	rec.IsMuted = false
	if err = b.store.UpsertUser(ctx, rec); err != nil {
		return err
	}

	return inv.ReplyText(
		"🔊 Unmuted",
		fmt.Sprintf("**%s** has been unmuted.", member.User.Username),
	)
}

// commandReset wipes everything stored for the guild after an interactive
// confirmation. The confirmation has a deadline; on expiry the command
// fails with the timeout category and nothing is deleted.
func (b *Bot) commandReset(ctx context.Context, inv *Invocation) error {
	if err := inv.ReplyText(
		"⚠️ Reset server configuration",
		"This will erase ALL settings and moderation history for this "+
			"server, and cannot be undone. Type `confirm` to proceed.",
	); err != nil {
		return err
	}

	reply, err := b.awaitReply(
		ctx,
		inv.ChannelID,
		inv.Author.ID,
		DefaultPromptTimeout,
	)
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(reply), "confirm") {
		return inv.Reply(
			&discordgo.MessageEmbed{
				Title:       "Reset aborted",
				Description: b.messages.CancelledDescription,
				Color:       b.messages.WarnColor,
			},
		)
	}

	if err = b.store.ResetGuild(ctx, inv.GuildID); err != nil {
		return err
	}
	b.cache.Invalidate(ctx, inv.GuildID)
	b.notifier.PrefixUpdated(ctx, inv.GuildID)

	return inv.Reply(
		&discordgo.MessageEmbed{
			Title:       "Reset complete",
			Description: "All configuration and moderation state has been erased.",
			Color:       b.messages.EmbedGreen,
		},
	)
}
