// Package onebot12 relays an upstream OneBot 12 implementation. Events pass
// through with their self identity intact and actions are forwarded for
// whatever the upstream declares.
package onebot12

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

const Type adapter.Type = "onebot12"

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

// Descriptor leaves Platform empty: each relayed bot reports the platform
// its upstream announces.
func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Type: Type, DisplayName: "OneBot 12"}
}

func (a *Adapter) Connect(ctx context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	url := cfg.Credential(CredURL)
	if url == "" {
		return nil, fmt.Errorf("onebot12 account %s: %s is required", cfg.ID, CredURL)
	}
	reconnect, _ := time.ParseDuration(cfg.Credential(CredReconnectInterval))
	log := a.logger.With(slog.String("account", cfg.ID))

	s := &session{adapter: a, sink: sink, logger: log, bots: map[onebot.Self]*Bot{}}
	client := obws.New(log, obws.Options{
		URL:               url,
		AccessToken:       cfg.Credential(CredAccessToken),
		ReconnectInterval: reconnect,
	}, obws.Handlers{
		OnConnect:    s.onConnect,
		OnDisconnect: s.onDisconnect,
		OnEvent:      s.onEvent,
	})
	s.client = client

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
		client.Run(runCtx)
		conn.MarkStopped()
	}()
	return conn, nil
}

// session is one upstream link. A single upstream may host several bots.
type session struct {
	adapter *Adapter
	client  Caller
	sink    adapter.Sink
	logger  *slog.Logger

	// statusMu serializes applyStatus.
	statusMu sync.Mutex

	mu    sync.Mutex
	bots  map[onebot.Self]*Bot
	ready bool
	early []map[string]any
}

const maxEarlyFrames = 64

func (s *session) onConnect(ctx context.Context) error {
	data, err := s.client.Call(ctx, "get_status", nil)
	if err != nil {
		return fmt.Errorf("get_status: %w", err)
	}
	raw, _ := data.(map[string]any)
	s.applyStatus(ctx, onebot.StatusFromMap(raw))
	s.mu.Lock()
	s.ready = true
	early := s.early
	s.early = nil
	s.mu.Unlock()
	for _, frame := range early {
		s.handle(ctx, frame)
	}
	return nil
}

// applyStatus brings the bot set in line with an upstream status report.
func (s *session) applyStatus(ctx context.Context, st *onebot.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	online := map[onebot.Self]struct{}{}
	for _, bs := range st.Bots {
		if !bs.Online || bs.Self.IsZero() {
			continue
		}
		online[bs.Self] = struct{}{}
		s.mu.Lock()
		_, known := s.bots[bs.Self]
		s.mu.Unlock()
		if known {
			continue
		}
		bot, err := s.newBot(ctx, bs.Self)
		if err != nil {
			s.logger.Warn("upstream bot setup failed", slog.String("self", bs.Self.String()), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		s.bots[bs.Self] = bot
		s.mu.Unlock()
		s.sink.BotConnect(bot)
	}

	var gone []*Bot
	s.mu.Lock()
	for self, bot := range s.bots {
		if _, ok := online[self]; !ok {
			gone = append(gone, bot)
			delete(s.bots, self)
		}
	}
	s.mu.Unlock()
	for _, bot := range gone {
		s.sink.BotDisconnect(bot)
	}
}

func (s *session) newBot(ctx context.Context, self onebot.Self) (*Bot, error) {
	data, err := s.client.Call(ctx, "get_supported_actions", map[string]any{"self": selfParam(self)})
	if err != nil {
		return nil, fmt.Errorf("get_supported_actions: %w", err)
	}
	items, _ := data.([]any)
	names := make([]string, 0, len(items))
	for _, item := range items {
		if name := onebot.AnyString(item); name != "" {
			names = append(names, name)
		}
	}
	return NewBot(s.client, self, names, s.adapter.files, s.logger), nil
}

func (s *session) onDisconnect() {
	s.mu.Lock()
	s.ready = false
	s.early = nil
	bots := make([]*Bot, 0, len(s.bots))
	for self, bot := range s.bots {
		bots = append(bots, bot)
		delete(s.bots, self)
	}
	s.mu.Unlock()
	for _, bot := range bots {
		s.sink.BotDisconnect(bot)
	}
}

func (s *session) onEvent(ctx context.Context, frame map[string]any) {
	s.mu.Lock()
	if !s.ready {
		if len(s.early) < maxEarlyFrames {
			s.early = append(s.early, frame)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.handle(ctx, frame)
}

func (s *session) handle(ctx context.Context, frame map[string]any) {
	ev, err := onebot.EventFromMap(frame)
	if err != nil {
		s.logger.Debug("upstream frame ignored", slog.Any("error", err))
		return
	}
	if ev.Type == onebot.EventMeta {
		if ev.DetailType == onebot.DetailStatusUpdate && ev.Status != nil {
			s.applyStatus(ctx, ev.Status)
		}
		return
	}
	s.mu.Lock()
	bot := s.bots[ev.Self]
	s.mu.Unlock()
	if bot == nil {
		s.logger.Debug("event for unknown upstream bot", slog.String("self", ev.Self.String()))
		return
	}
	s.sink.PushEvents(bot, []onebot.Event{bot.ToEvent(ev)})
}

func selfParam(self onebot.Self) map[string]any {
	return map[string]any{"platform": self.Platform, "user_id": self.UserID}
}
