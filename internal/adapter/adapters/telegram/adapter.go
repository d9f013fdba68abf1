// Package telegram serves Telegram bots through the Bot API long-poll loop.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

const (
	Type     adapter.Type = "telegram"
	Platform              = "telegram"
)

// Credential keys of a telegram account.
const (
	CredToken       = "token"
	CredAPIEndpoint = "api_endpoint"
)

type Adapter struct {
	files  adapter.FileStore
	logger *slog.Logger
}

func NewAdapter(log *slog.Logger, files adapter.FileStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{files: files, logger: log.With(slog.String("adapter", Type.String()))}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: a.logger})
	return a
}

func (a *Adapter) Type() adapter.Type { return Type }

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Type: Type, DisplayName: "Telegram", Platform: Platform}
}

// Connect validates the token with getMe and starts long polling. The bot is
// announced before the first update is read.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	token := cfg.Credential(CredToken)
	if token == "" {
		return nil, fmt.Errorf("telegram account %s: %s is required", cfg.ID, CredToken)
	}
	endpoint := cfg.Credential(CredAPIEndpoint)
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	log := a.logger.With(slog.String("account", cfg.ID))
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		log.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	self := onebot.Self{Platform: Platform, UserID: strconv.FormatInt(api.Self.ID, 10)}
	bot := NewBot(api, self, a.files, log)

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := api.GetUpdatesChan(updateConfig)
	runCtx, cancel := context.WithCancel(ctx)
	sink.BotConnect(bot)
	log.Info("start", slog.String("username", api.Self.UserName))

	var conn *adapter.BaseConnection
	conn = adapter.NewConnection(cfg, func(stopCtx context.Context) error {
		log.Info("stop")
		api.StopReceivingUpdates()
		cancel()
		// The polling goroutine only exits after its last send lands, which
		// can take a whole long poll.
		drained := make(chan struct{})
		go func() {
			for range updates {
			}
			close(drained)
		}()
		select {
		case <-drained:
		case <-stopCtx.Done():
			log.Warn("long poll still in flight, not waiting for it")
		}
		conn.MarkStopped()
		sink.BotDisconnect(bot)
		return nil
	})
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					log.Info("updates channel closed")
					return
				}
				if events := bot.ToEvents(runCtx, update); len(events) > 0 {
					sink.PushEvents(bot, events)
				}
			}
		}
	}()
	return conn, nil
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Warn(fmt.Sprint(v...))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Warn(fmt.Sprintf(format, v...))
}
