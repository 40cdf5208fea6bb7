package sned

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord owns the gateway session and converts discordgo payloads into
// normalized Events for the bot's dispatch path. It also implements
// MessageSender and MemberResolver on top of the live session.
type Discord struct {
	session *discordgo.Session
	config  *DiscordConfig
	logger  *slog.Logger
	bot     *Bot

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	removeHandlerFuncs []func()
	ready              chan struct{}
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	return &Discord{
		config:             config,
		removeHandlerFuncs: []func(){},
		ready:              make(chan struct{}, 1),
	}, nil
}

// connect opens the gateway session and blocks until the ready event
// arrives or the context expires.
func (d *Discord) connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = d.config.GatewayIntents
	session.StateEnabled = true
	if d.config.httpClient != nil {
		session.Client = d.config.httpClient
	}
	d.session = session

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		session.AddHandler(d.handlerReady()),
		session.AddHandler(d.handlerConnect()),
		session.AddHandler(d.handlerDisconnect()),
		session.AddHandler(d.handlerMessageCreate()),
		session.AddHandler(d.handlerGuildCreate()),
		session.AddHandler(d.handlerGuildDelete()),
	)

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		_ = session.Close()
		return fmt.Errorf("timed out waiting for discord ready: %w", ctx.Err())
	}
}

func (d *Discord) close() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// guildIDs returns the IDs of the guilds in the session state.
func (d *Discord) guildIDs() []string {
	if d.session == nil || d.session.State == nil {
		return nil
	}
	ids := make([]string, 0, len(d.session.State.Guilds))
	for _, g := range d.session.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

func (d *Discord) handlerReady() func(*discordgo.Session, *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"discord ready",
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
		d.bot.botUserID = r.User.ID

		if d.config.CustomStatus != "" {
			if err := s.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}

		select {
		case d.ready <- struct{}{}:
		default:
		}
	}
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected to discord gateway")
	}
}

func (d *Discord) handlerDisconnect() func(
	*discordgo.Session,
	*discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("disconnected from discord gateway")
	}
}

func (d *Discord) handlerMessageCreate() func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}

		permissions, err := s.State.UserChannelPermissions(
			m.Author.ID,
			m.ChannelID,
		)
		if err != nil {
			d.logger.Warn(
				"error resolving channel permissions",
				tint.Err(err),
				"user_id", m.Author.ID,
				"channel_id", m.ChannelID,
			)
		}

		ev := &Event{
			Kind:        EventMessage,
			GuildID:     m.GuildID,
			UserID:      m.Author.ID,
			ChannelID:   m.ChannelID,
			MessageID:   m.ID,
			Content:     m.Content,
			Author:      m.Author,
			Member:      m.Member,
			Permissions: permissions,
		}

		ctx := WithLogger(context.Background(), d.bot.logger)
		if handleErr := d.bot.HandleEvent(ctx, ev); handleErr != nil {
			d.logger.Error(
				"error handling message",
				tint.Err(handleErr),
				"channel_id", m.ChannelID,
				"message_id", m.ID,
			)
		}
	}
}

func (d *Discord) handlerGuildCreate() func(
	*discordgo.Session,
	*discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		ev := &Event{
			Kind:            EventGuildJoin,
			GuildID:         g.ID,
			SystemChannelID: g.SystemChannelID,
		}
		ctx := WithLogger(context.Background(), d.bot.logger)
		if err := d.bot.HandleEvent(ctx, ev); err != nil {
			d.logger.Error(
				"error handling guild join",
				tint.Err(err),
				"guild_id", g.ID,
			)
		}
	}
}

func (d *Discord) handlerGuildDelete() func(
	*discordgo.Session,
	*discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		// Unavailable means an outage, not a removal - keep the data
		if g.Unavailable {
			return
		}
		ev := &Event{
			Kind:    EventGuildLeave,
			GuildID: g.ID,
		}
		ctx := WithLogger(context.Background(), d.bot.logger)
		if err := d.bot.HandleEvent(ctx, ev); err != nil {
			d.logger.Error(
				"error handling guild removal",
				tint.Err(err),
				"guild_id", g.ID,
			)
		}
	}
}

// SendEmbed implements MessageSender.
func (d *Discord) SendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
) error {
	_, err := d.session.ChannelMessageSendEmbed(channelID, embed)
	return err
}

// SendReply implements MessageSender.
func (d *Discord) SendReply(
	channelID string,
	messageID string,
	guildID string,
	embed *discordgo.MessageEmbed,
) error {
	_, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embed: embed,
			Reference: &discordgo.MessageReference{
				MessageID: messageID,
				ChannelID: channelID,
				GuildID:   guildID,
			},
		},
	)
	return err
}

// ResolveMember implements MemberResolver, preferring the session state
// and falling back to the API.
func (d *Discord) ResolveMember(
	guildID string,
	userID string,
) (*discordgo.Member, error) {
	if d.session.State != nil {
		member, err := d.session.State.Member(guildID, userID)
		if err == nil {
			return member, nil
		}
	}
	return d.session.GuildMember(guildID, userID)
}
