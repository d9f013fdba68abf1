// Package villa serves miyoushe villa bots. Events arrive as HTTP callbacks
// on the shared echo server; actions go out through the bot REST API.
package villa

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	Type     adapter.Type = "villa"
	Platform              = "villa"
)

// Credential keys of a villa account.
const (
	CredBotID       = "bot_id"
	CredBotSecret   = "bot_secret"
	CredPubKey      = "pub_key"
	CredAPIEndpoint = "api_endpoint"
)

// CallbackPath is where the villa platform posts events for one bot.
const CallbackPath = "/villa/:bot_id/callback"

type session struct {
	bot  *Bot
	sink adapter.Sink
}

type Adapter struct {
	files  adapter.FileStore
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewAdapter(log *slog.Logger, files adapter.FileStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		files:    files,
		logger:   log.With(slog.String("adapter", Type.String())),
		sessions: make(map[string]*session),
	}
}

func (a *Adapter) Type() adapter.Type { return Type }

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Type: Type, DisplayName: "Villa", Platform: Platform}
}

// Register mounts the callback route.
func (a *Adapter) Register(e *echo.Echo) {
	e.POST(CallbackPath, a.handleCallback)
}

func (a *Adapter) handleCallback(c echo.Context) error {
	botID := c.Param("bot_id")
	a.mu.RLock()
	s, ok := a.sessions[botID]
	a.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown bot")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if events := s.bot.ToEvents(body); len(events) > 0 {
		s.sink.PushEvents(s.bot, events)
	}
	return c.JSON(http.StatusOK, map[string]any{"message": "", "retcode": 0})
}

// Connect registers the bot for callbacks. Villa pushes events, so there is
// no outbound session to open.
func (a *Adapter) Connect(_ context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	botID := cfg.Credential(CredBotID)
	secret := cfg.Credential(CredBotSecret)
	if botID == "" || secret == "" {
		return nil, fmt.Errorf("villa account %s: %s and %s are required", cfg.ID, CredBotID, CredBotSecret)
	}
	log := a.logger.With(slog.String("account", cfg.ID), slog.String("bot_id", botID))

	client := NewClient(cfg.Credential(CredAPIEndpoint), botID, secret, cfg.Credential(CredPubKey))
	bot := NewBot(client, onebot.Self{Platform: Platform, UserID: botID}, a.files, log)
	s := &session{bot: bot, sink: sink}

	a.mu.Lock()
	if _, exists := a.sessions[botID]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("villa bot %s is already connected", botID)
	}
	a.sessions[botID] = s
	a.mu.Unlock()

	var conn *adapter.BaseConnection
	conn = adapter.NewConnection(cfg, func(_ context.Context) error {
		log.Info("stop")
		a.mu.Lock()
		if a.sessions[botID] == s {
			delete(a.sessions, botID)
		}
		a.mu.Unlock()
		conn.MarkStopped()
		sink.BotDisconnect(bot)
		return nil
	})
	sink.BotConnect(bot)
	log.Info("start")
	return conn, nil
}
