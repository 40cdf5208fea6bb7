package sned

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// logRecorder captures emitted records so tests can assert on log output.
type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (l *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (l *logRecorder) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return l }

func (l *logRecorder) WithGroup(string) slog.Handler { return l }

func (l *logRecorder) messages(level slog.Level) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, r := range l.records {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	require.NoError(t, err)
	return db
}

func newTestStore(t testing.TB) GuildStore {
	t.Helper()
	return NewGuildStore(newTestDB(t), discardLogger(), false)
}

type sentEmbed struct {
	ChannelID string
	MessageID string
	Embed     *discordgo.MessageEmbed
	Reply     bool
}

// fakeSender records embeds instead of hitting the Discord API.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentEmbed
	err  error
}

func (f *fakeSender) SendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEmbed{ChannelID: channelID, Embed: embed})
	return nil
}

func (f *fakeSender) SendReply(
	channelID string,
	messageID string,
	_ string,
	embed *discordgo.MessageEmbed,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(
		f.sent,
		sentEmbed{
			ChannelID: channelID,
			MessageID: messageID,
			Embed:     embed,
			Reply:     true,
		},
	)
	return nil
}

func (f *fakeSender) all() []sentEmbed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmbed(nil), f.sent...)
}

func (f *fakeSender) last(t testing.TB) sentEmbed {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

// fakeResolver serves members from a map, erroring on anything unknown.
type fakeResolver struct {
	members map[string]*discordgo.Member
}

func (f *fakeResolver) ResolveMember(
	_ string,
	userID string,
) (*discordgo.Member, error) {
	member, ok := f.members[userID]
	if !ok {
		return nil, fmt.Errorf("unknown member %s", userID)
	}
	return member, nil
}

// newTestBot wires a Bot around a temp sqlite database and fake
// discord surfaces, skipping New so no gateway or listener is touched.
func newTestBot(t testing.TB) (*Bot, *fakeSender, *fakeResolver) {
	t.Helper()

	logger := discardLogger()
	store := newTestStore(t)

	cfg := DefaultConfig()
	cfg.OwnerID = "owner-1"

	sender := &fakeSender{}
	resolver := &fakeResolver{members: map[string]*discordgo.Member{}}

	b := &Bot{
		config:                 cfg,
		logger:                 logger,
		logHandler:             logger.Handler(),
		store:                  store,
		registry:               NewCommandRegistry(),
		prompts:                map[string]chan string{},
		cooldowns:              map[string]time.Time{},
		triggerPrefixRefreshCh: make(chan string, 1),
		triggerGuildRemovedCh:  make(chan string, 1),
		sender:                 sender,
		members:                resolver,
		botUserID:              "bot-user",
	}
	b.cache = NewPrefixCache(store, cfg.DefaultCommandPrefix(), logger)
	b.limiter = NewChannelRateLimiter(cfg.RateLimit, logger)
	b.messages = DefaultMessages()
	b.messages.ReplyOnUnknownCommand = cfg.ReplyOnUnknownCommand
	b.classifier = NewClassifier(b.messages, b.registry, logger)

	notifier, err := newDBNotifier(b)
	require.NoError(t, err)
	b.notifier = notifier

	require.NoError(t, b.registerCoreCommands())
	return b, sender, resolver
}

func messageEvent(guildID, channelID, userID, content string) *Event {
	return &Event{
		Kind:      EventMessage,
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
		MessageID: "msg-" + userID,
		Content:   content,
		Author:    &discordgo.User{ID: userID, Username: "user-" + userID},
	}
}
