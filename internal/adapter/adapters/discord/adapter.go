// Package discord serves Discord bots over the gateway websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

const (
	Type     adapter.Type = "discord"
	Platform              = "discord"
)

// Credential keys of a discord account.
const (
	CredToken = "token"
)

type Adapter struct {
	files  adapter.FileStore
	logger *slog.Logger
}

func NewAdapter(log *slog.Logger, files adapter.FileStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{files: files, logger: log.With(slog.String("adapter", Type.String()))}
}

func (a *Adapter) Type() adapter.Type { return Type }

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Type: Type, DisplayName: "Discord", Platform: Platform}
}

// Connect opens the gateway session and resolves the bot user before
// announcing it.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	token := cfg.Credential(CredToken)
	if token == "" {
		return nil, fmt.Errorf("discord account %s: %s is required", cfg.ID, CredToken)
	}
	log := a.logger.With(slog.String("account", cfg.ID))
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		log.Error("create session failed", slog.Any("error", err))
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open connection: %w", err)
	}
	me, err := session.User("@me")
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("discord resolve self: %w", err)
	}
	bot := NewBot(session, onebot.Self{Platform: Platform, UserID: me.ID}, a.files, log)

	runCtx, cancel := context.WithCancel(ctx)
	push := func(events []onebot.Event) {
		if len(events) > 0 && runCtx.Err() == nil {
			sink.PushEvents(bot, events)
		}
	}
	removers := []func(){
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			push(bot.MessageEvents(runCtx, m.Message))
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			push(bot.MessageDeleteEvents(m))
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
			push(bot.MemberEvents(m.Member, true))
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
			push(bot.MemberEvents(m.Member, false))
		}),
	}
	sink.BotConnect(bot)
	log.Info("start", slog.String("username", me.Username))

	var conn *adapter.BaseConnection
	conn = adapter.NewConnection(cfg, func(_ context.Context) error {
		log.Info("stop")
		cancel()
		for _, remove := range removers {
			remove()
		}
		err := session.Close()
		conn.MarkStopped()
		sink.BotDisconnect(bot)
		return err
	})
	return conn, nil
}
