// Package onebot11 relays a OneBot v11 implementation (go-cqhttp style) as the
// "qq" platform.
package onebot11

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/adapter/obws"
	"github.com/memohai/all4one/internal/onebot"
)

const (
	Type     adapter.Type = "onebot11"
	Platform              = "qq"
)

// Credential keys of an onebot11 account.
const (
	CredURL               = "url"
	CredAccessToken       = "access_token"
	CredReconnectInterval = "reconnect_interval"
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
	return adapter.Descriptor{Type: Type, DisplayName: "OneBot v11", Platform: Platform}
}

// Connect dials the upstream and keeps it connected until the connection is
// stopped. A bot is announced after every successful handshake.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	url := cfg.Credential(CredURL)
	if url == "" {
		return nil, fmt.Errorf("onebot11 account %s: %s is required", cfg.ID, CredURL)
	}
	reconnect, _ := time.ParseDuration(cfg.Credential(CredReconnectInterval))
	log := a.logger.With(slog.String("account", cfg.ID))

	s := &session{adapter: a, sink: sink, logger: log}
	s.client = obws.New(log, obws.Options{
		URL:               url,
		AccessToken:       cfg.Credential(CredAccessToken),
		ReconnectInterval: reconnect,
	}, obws.Handlers{
		OnConnect:    s.onConnect,
		OnDisconnect: s.onDisconnect,
		OnEvent:      s.onEvent,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var conn *adapter.BaseConnection
	conn = adapter.NewConnection(cfg, func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})
	go func() {
		defer close(done)
		s.client.Run(runCtx)
		conn.MarkStopped()
	}()
	return conn, nil
}

// session is one account's upstream link and its current bot.
type session struct {
	adapter *Adapter
	client  *obws.Client
	sink    adapter.Sink
	logger  *slog.Logger

	mu    sync.Mutex
	bot   *Bot
	early []map[string]any
}

// maxEarlyFrames bounds the frames kept while the handshake is in flight.
const maxEarlyFrames = 64

func (s *session) onConnect(ctx context.Context) error {
	data, err := s.client.Call(ctx, "get_login_info", nil)
	if err != nil {
		return fmt.Errorf("get_login_info: %w", err)
	}
	info, _ := data.(map[string]any)
	selfID := onebot.AnyString(info["user_id"])
	if selfID == "" {
		return fmt.Errorf("get_login_info: missing user_id")
	}
	bot := NewBot(s.client, onebot.Self{Platform: Platform, UserID: selfID}, s.adapter.files, s.logger)
	s.sink.BotConnect(bot)
	s.mu.Lock()
	s.bot = bot
	early := s.early
	s.early = nil
	s.mu.Unlock()
	for _, frame := range early {
		s.push(ctx, bot, frame)
	}
	return nil
}

func (s *session) onDisconnect() {
	s.mu.Lock()
	bot := s.bot
	s.bot = nil
	s.early = nil
	s.mu.Unlock()
	if bot != nil {
		s.sink.BotDisconnect(bot)
	}
}

func (s *session) onEvent(ctx context.Context, frame map[string]any) {
	s.mu.Lock()
	bot := s.bot
	if bot == nil {
		if len(s.early) < maxEarlyFrames {
			s.early = append(s.early, frame)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.push(ctx, bot, frame)
}

func (s *session) push(ctx context.Context, bot *Bot, frame map[string]any) {
	events := bot.ToEvents(ctx, frame)
	if len(events) > 0 {
		s.sink.PushEvents(bot, events)
	}
}
