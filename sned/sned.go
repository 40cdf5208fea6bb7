// Package sned implements a Discord moderation bot with per-guild
// configurable command prefixes, a moderation state store, and a small
// admin HTTP API.
package sned

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// Version is the bot version, set at build time
	Version = "dev"

	// CommitSHA is the git commit the binary was built from
	CommitSHA = ""

	// BuildTime is the build timestamp
	BuildTime = ""
)

// EventKind discriminates inbound gateway events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventGuildJoin
	EventGuildLeave
)

// Event is a normalized inbound gateway event. The discord session layer
// converts discordgo payloads into these so the dispatch path (and its
// tests) never touch a live session.
type Event struct {
	Kind      EventKind
	GuildID   string
	UserID    string
	ChannelID string
	MessageID string
	Content   string
	Author    *discordgo.User
	Member    *discordgo.Member

	// Permissions are the author's effective permissions in the channel
	Permissions int64

	// SystemChannelID is set on guild join events
	SystemChannelID string
}

// MessageSender delivers embeds to channels. Implemented by the discord
// session layer; faked in tests.
type MessageSender interface {
	SendEmbed(channelID string, embed *discordgo.MessageEmbed) error
	SendReply(
		channelID string,
		messageID string,
		guildID string,
		embed *discordgo.MessageEmbed,
	) error
}

// MemberResolver resolves guild members by user ID.
type MemberResolver interface {
	ResolveMember(guildID string, userID string) (*discordgo.Member, error)
}

// Bot is the central coordinator: it owns the database, the prefix cache,
// the command registry, the rate limiter, the discord session and the
// admin API, and dispatches inbound events to command handlers.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db       *gorm.DB
	store    GuildStore
	cache    *PrefixCache
	limiter  *ChannelRateLimiter
	registry *CommandRegistry

	messages   *Messages
	classifier *Classifier
	notifier   DBNotifier

	api     *API
	discord *Discord

	sender  MessageSender
	members MemberResolver

	// botUserID is the bot's own user ID, set once the gateway session
	// is ready. Used for mention detection and self-message filtering.
	botUserID string

	// prompts holds waiters for interactive confirmation replies,
	// keyed by channelID:userID
	promptMu sync.Mutex
	prompts  map[string]chan string

	// cooldowns tracks the last completed invocation per command and
	// user, keyed by commandName:userID
	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time

	commandsInProgress atomic.Int64

	triggerPrefixRefreshCh chan string
	triggerGuildRemovedCh  chan string

	runMu      sync.Mutex
	signalStop chan struct{}
	startedAt  time.Time
}

// New assembles a Bot from the given config. The database is not opened
// and the gateway is not connected until Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:                 config,
		registry:               NewCommandRegistry(),
		prompts:                map[string]chan string{},
		cooldowns:              map[string]time.Time{},
		triggerPrefixRefreshCh: make(chan string, 1),
		triggerGuildRemovedCh:  make(chan string, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.messages = DefaultMessages()
	b.messages.ReplyOnUnknownCommand = config.ReplyOnUnknownCommand
	b.classifier = NewClassifier(b.messages, b.registry, b.logger)
	b.limiter = NewChannelRateLimiter(config.RateLimit, b.logger)

	if err := b.registerCoreCommands(); err != nil {
		errs = append(errs, err)
	}

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	b.discord = disc
	disc.bot = b
	b.sender = disc
	b.members = disc

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Run opens the database, connects to the gateway, and serves until the
// context is canceled or a stop signal arrives.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// runtime context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		startCancel()
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		startCancel()
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.config.API.Enabled {
		g.Go(
			func() error {
				httpErr := b.api.Serve(gctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(
						gctx,
						"error serving api HTTP",
						tint.Err(httpErr),
					)
					return httpErr
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			b.watchRefreshChannels(gctx)
			return nil
		},
	)

	for _, channel := range []string{
		b.notifier.PrefixChannelName(),
		b.notifier.GuildRemovedChannelName(),
	} {
		if channel == "" {
			continue
		}
		channel := channel
		g.Go(
			func() error {
				if e := b.notifier.Listen(gctx, channel); e != nil {
					logger.ErrorContext(
						gctx,
						"error listening on notify channel",
						"channel", channel,
						tint.Err(e),
					)
				}
				return nil
			},
		)
	}

	logger.InfoContext(ctx, "ready")

	<-gctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	b.shutdown(shutdownCtx)

	return g.Wait()
}

// initRun opens the database, wires storage-backed components, connects
// the gateway session, and warms the prefix cache.
func (b *Bot) initRun(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db

	// sqlite writes are serialized behind a mutex; postgres can take
	// concurrent writers
	b.store = NewGuildStore(
		db,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)
	b.cache = NewPrefixCache(
		b.store,
		b.config.DefaultCommandPrefix(),
		b.logger,
	)

	notifier, err := newDBNotifier(b)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.notifier = notifier

	if err = b.discord.connect(ctx); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	for _, guildID := range b.discord.guildIDs() {
		if err = b.store.EnsureGuild(ctx, guildID); err != nil {
			return fmt.Errorf(
				"error registering guild %s: %w",
				guildID,
				err,
			)
		}
	}

	return b.cache.Preload(ctx)
}

// watchRefreshChannels consumes cross-instance invalidation signals and
// applies them to the local prefix cache.
func (b *Bot) watchRefreshChannels(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-b.triggerPrefixRefreshCh:
			b.logger.Info("refreshing cached prefixes", "guild_id", guildID)
			b.cache.Invalidate(ctx, guildID)
		case guildID := <-b.triggerGuildRemovedCh:
			b.logger.Info("evicting removed guild", "guild_id", guildID)
			b.cache.Evict(guildID)
		}
	}
}

func (b *Bot) shutdown(ctx context.Context) {
	b.logger.Info("shutting down")
	if b.discord != nil {
		if err := b.discord.close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
		}
	}
	if b.db != nil {
		sqlDB, err := b.db.WithContext(ctx).DB()
		if err == nil {
			if err = sqlDB.Close(); err != nil {
				b.logger.Error("error closing database", tint.Err(err))
			}
		}
	}
	b.logger.Info("shutdown complete")
}

// Stop signals a running bot to shut down.
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// HandleEvent dispatches one normalized gateway event. Message events run
// the full command pipeline; guild membership events update storage and
// caches. The returned error is only ever an unclassified internal
// failure - user-facing command errors are reported as embeds and
// swallowed here.
func (b *Bot) HandleEvent(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case EventMessage:
		return b.handleMessage(ctx, ev)
	case EventGuildJoin:
		return b.handleGuildJoin(ctx, ev)
	case EventGuildLeave:
		return b.handleGuildLeave(ctx, ev)
	default:
		b.logger.Warn("unknown event kind", "kind", int(ev.Kind))
		return nil
	}
}

func (b *Bot) handleMessage(ctx context.Context, ev *Event) error {
	if ev.Author == nil || ev.Author.Bot {
		return nil
	}
	if b.botUserID != "" && ev.Author.ID == b.botUserID {
		return nil
	}

	// flood guard runs before anything else; dropped messages get no
	// reply at all
	if !b.limiter.Allow(ev.ChannelID) {
		return nil
	}

	if b.deliverPrompt(ev) {
		return nil
	}

	content := strings.TrimSpace(ev.Content)

	if b.isBareMention(content) {
		prefixes := b.cache.Resolve(ctx, ev.GuildID)
		return b.sender.SendReply(
			ev.ChannelID,
			ev.MessageID,
			ev.GuildID,
			&discordgo.MessageEmbed{
				Title: b.messages.PrefixInfoTitle,
				Description: fmt.Sprintf(
					b.messages.PrefixInfoDescription,
					strings.Join(prefixes, ", "),
				),
				Color: b.messages.InfoColor,
			},
		)
	}

	prefix, rest, ok := b.matchPrefix(ctx, ev.GuildID, ev.Content)
	if !ok {
		return nil
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil
	}
	invoked := strings.ToLower(fields[0])
	args := fields[1:]

	inv := &Invocation{
		GuildID:     ev.GuildID,
		ChannelID:   ev.ChannelID,
		MessageID:   ev.MessageID,
		Author:      ev.Author,
		Permissions: ev.Permissions,
		Prefix:      prefix,
		Invoked:     invoked,
		Args:        args,
		bot:         b,
	}

	err := b.dispatch(ctx, inv)
	if err == nil {
		return nil
	}
	return b.respondError(ctx, inv, err)
}

// isBareMention reports whether the message consists solely of a mention
// of the bot itself.
func (b *Bot) isBareMention(content string) bool {
	if b.botUserID == "" {
		return false
	}
	return content == "<@"+b.botUserID+">" ||
		content == "<@!"+b.botUserID+">"
}

// matchPrefix finds the first configured prefix the message starts with,
// in configured order, and returns it with the remainder of the message.
func (b *Bot) matchPrefix(
	ctx context.Context,
	guildID string,
	content string,
) (prefix string, rest string, ok bool) {
	for _, p := range b.cache.Resolve(ctx, guildID) {
		if strings.HasPrefix(content, p) {
			return p, content[len(p):], true
		}
	}
	return "", "", false
}

// dispatch runs the command pipeline for a parsed invocation: lookup,
// permission and argument checks, cooldown and concurrency limits, then
// the handler itself.
func (b *Bot) dispatch(ctx context.Context, inv *Invocation) error {
	cmd, found := b.registry.Lookup(inv.Invoked)
	if !found {
		return inv.commandError(ErrKindCommandNotFound)
	}
	inv.Command = cmd

	if cmd.OwnerOnly && inv.Author.ID != b.config.OwnerID {
		return inv.commandError(ErrKindUserMissingPermissions)
	}
	if cmd.RequiredPermissions != 0 &&
		inv.Permissions&cmd.RequiredPermissions != cmd.RequiredPermissions {
		return inv.commandError(ErrKindUserMissingPermissions)
	}

	if len(inv.Args) < cmd.MinArgs {
		return inv.commandError(ErrKindMissingArgument)
	}
	if cmd.MaxArgs >= 0 && len(inv.Args) > cmd.MaxArgs {
		return inv.commandError(ErrKindTooManyArguments)
	}

	if cmd.Cooldown > 0 {
		if remaining, onCooldown := b.checkCooldown(cmd, inv.Author.ID); onCooldown {
			e := inv.commandError(ErrKindCommandOnCooldown)
			e.RetryAfter = remaining
			return e
		}
	}

	if cmd.MaxConcurrency > 0 &&
		cmd.running.Load() >= int64(cmd.MaxConcurrency) {
		return inv.commandError(ErrKindMaxConcurrencyReached)
	}

	cmd.running.Add(1)
	b.commandsInProgress.Add(1)
	defer func() {
		cmd.running.Add(-1)
		b.commandsInProgress.Add(-1)
	}()

	b.logger.InfoContext(
		ctx,
		"running command",
		"command", cmd.Name,
		"invocation", inv,
	)

	err := cmd.Run(ctx, inv)

	if cmd.Cooldown > 0 {
		b.startCooldown(cmd, inv.Author.ID)
	}

	return err
}

// checkCooldown reports whether the user is still within the command's
// cooldown window, and if so how long remains.
func (b *Bot) checkCooldown(cmd *Command, userID string) (time.Duration, bool) {
	b.cooldownMu.Lock()
	defer b.cooldownMu.Unlock()

	key := cmd.Name + ":" + userID
	last, ok := b.cooldowns[key]
	if !ok {
		return 0, false
	}
	elapsed := time.Since(last)
	if elapsed >= cmd.Cooldown {
		delete(b.cooldowns, key)
		return 0, false
	}
	return cmd.Cooldown - elapsed, true
}

func (b *Bot) startCooldown(cmd *Command, userID string) {
	b.cooldownMu.Lock()
	defer b.cooldownMu.Unlock()
	b.cooldowns[cmd.Name+":"+userID] = time.Now()
}

// respondError classifies a command failure and reports it to the
// invoker. Unclassified failures are propagated to the caller after the
// classifier has logged them; everything else ends here.
func (b *Bot) respondError(ctx context.Context, inv *Invocation, err error) error {
	requestedBy := ""
	if inv.Author != nil {
		requestedBy = inv.Author.Username
	}
	resp := b.classifier.Classify(ctx, err, requestedBy)

	if resp.Category == CategoryUnclassified {
		return err
	}
	if resp.Silent {
		return nil
	}

	embed := &discordgo.MessageEmbed{
		Title:       resp.Title,
		Description: resp.Description,
		Color:       resp.Color,
	}
	if resp.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: resp.Footer}
	}

	if sendErr := b.sender.SendEmbed(inv.ChannelID, embed); sendErr != nil {
		b.logger.ErrorContext(
			ctx,
			"error sending command error reply",
			tint.Err(sendErr),
			"invocation", inv,
		)
	}
	return nil
}

// awaitReply blocks until the given user sends another message in the
// given channel, the timeout elapses, or the context is canceled. Used
// for interactive confirmations.
func (b *Bot) awaitReply(
	ctx context.Context,
	channelID string,
	userID string,
	timeout time.Duration,
) (string, error) {
	key := channelID + ":" + userID
	ch := make(chan string, 1)

	b.promptMu.Lock()
	b.prompts[key] = ch
	b.promptMu.Unlock()

	defer func() {
		b.promptMu.Lock()
		delete(b.prompts, key)
		b.promptMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return "", &CommandError{Kind: ErrKindTimeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliverPrompt routes a message to a pending awaitReply waiter, if one
// exists for this channel and author. Returns true if consumed.
func (b *Bot) deliverPrompt(ev *Event) bool {
	if ev.Author == nil {
		return false
	}
	key := ev.ChannelID + ":" + ev.Author.ID

	b.promptMu.Lock()
	ch, ok := b.prompts[key]
	if ok {
		delete(b.prompts, key)
	}
	b.promptMu.Unlock()

	if !ok {
		return false
	}
	ch <- ev.Content
	return true
}
