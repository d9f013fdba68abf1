// Package qqguild serves QQ guild (channel) bots through the botgo SDK.
package qqguild

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

const (
	Type     adapter.Type = "qqguild"
	Platform              = "qqguild"
)

// Credential keys of a qqguild account.
const (
	CredAppID     = "app_id"
	CredAppSecret = "app_secret"
)

// botgo keeps its event handlers in package state and its websocket session
// has no way to be closed, so an adapter serves one account at a time. The
// gateway websocket of an app outlives the account that opened it: stopping
// the account detaches its bot, and a later Connect for the same app reuses
// the running websocket instead of opening a second one.
type Adapter struct {
	files  adapter.FileStore
	logger *slog.Logger
	seen   *recentIDs

	open         func(appID, secret string) (*link, error)
	startSession func(ap *dto.WebsocketAP, ts oauth2.TokenSource, handlers ...any) error

	mu      sync.Mutex
	owner   string
	current *session
	live    *link
}

func NewAdapter(log *slog.Logger, files adapter.FileStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		files:        files,
		logger:       log.With(slog.String("adapter", Type.String())),
		seen:         newRecentIDs(4096),
		open:         openLink,
		startSession: startSession,
	}
	botgo.SetLogger(&slogLogger{log: a.logger})
	return a
}

func (a *Adapter) Type() adapter.Type { return Type }

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Type: Type, DisplayName: "QQ Guild", Platform: Platform}
}

type session struct {
	bot  *Bot
	sink adapter.Sink
	ctx  context.Context
	conn *adapter.BaseConnection
}

// link is the authenticated API of one app plus its gateway websocket
// endpoint. Its token keeps refreshing until close.
type link struct {
	appID string
	ts    oauth2.TokenSource
	api   API
	ap    *dto.WebsocketAP
	close context.CancelFunc
}

func openLink(appID, secret string) (*link, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ts := tokenSource(appID, secret)
	if err := token.StartRefreshAccessToken(ctx, ts); err != nil {
		cancel()
		return nil, fmt.Errorf("qqguild token refresh: %w", err)
	}
	api := botgo.NewOpenAPI(appID, ts).WithTimeout(10 * time.Second)
	ap, err := api.WS(ctx, nil, "")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("qqguild websocket info: %w", err)
	}
	return &link{appID: appID, ts: ts, api: api, ap: ap, close: cancel}, nil
}

func startSession(ap *dto.WebsocketAP, ts oauth2.TokenSource, handlers ...any) error {
	intent := event.RegisterHandlers(handlers...)
	return botgo.NewSessionManager().Start(ap, ts, &intent)
}

// Connect resolves the bot user and attaches it to the app's gateway
// websocket, starting the websocket if it is not running yet.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	appID := cfg.Credential(CredAppID)
	secret := cfg.Credential(CredAppSecret)
	if appID == "" || secret == "" {
		return nil, fmt.Errorf("qqguild account %s: %s and %s are required", cfg.ID, CredAppID, CredAppSecret)
	}
	log := a.logger.With(slog.String("account", cfg.ID))

	a.mu.Lock()
	if a.owner != "" {
		owner := a.owner
		a.mu.Unlock()
		return nil, fmt.Errorf("qqguild account %s: account %s is already connected, only one qqguild account can run per process", cfg.ID, owner)
	}
	if a.live != nil && a.live.appID != appID {
		liveApp := a.live.appID
		a.mu.Unlock()
		return nil, fmt.Errorf("qqguild account %s: websocket of app %s is still running", cfg.ID, liveApp)
	}
	a.owner = cfg.ID
	l := a.live
	a.mu.Unlock()

	fresh := l == nil
	fail := func(err error) (adapter.Connection, error) {
		if fresh && l != nil {
			l.close()
		}
		a.mu.Lock()
		if a.owner == cfg.ID {
			a.owner = ""
		}
		a.mu.Unlock()
		return nil, err
	}
	if fresh {
		var err error
		if l, err = a.open(appID, secret); err != nil {
			return fail(err)
		}
	}
	me, err := l.api.Me(ctx)
	if err != nil {
		return fail(fmt.Errorf("qqguild resolve self: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	bot := NewBot(l.api, onebot.Self{Platform: Platform, UserID: me.ID}, a.files, log)
	s := &session{bot: bot, sink: sink, ctx: runCtx}
	s.conn = adapter.NewConnection(cfg, func(_ context.Context) error {
		log.Info("stop")
		cancel()
		a.mu.Lock()
		if a.current == s {
			a.current = nil
		}
		if a.owner == cfg.ID {
			a.owner = ""
		}
		a.mu.Unlock()
		s.conn.MarkStopped()
		sink.BotDisconnect(bot)
		return nil
	})

	a.mu.Lock()
	a.current = s
	if fresh {
		a.live = l
	}
	a.mu.Unlock()
	sink.BotConnect(bot)
	if fresh {
		go a.serve(l)
	}
	log.Info("start", slog.String("username", me.Username), slog.Bool("reused_websocket", !fresh))
	return s.conn, nil
}

// serve runs the gateway websocket of l. When it ends the attached account
// is stopped.
func (a *Adapter) serve(l *link) {
	err := a.startSession(l.ap, l.ts, a.eventHandlers()...)
	l.close()
	a.mu.Lock()
	if a.live == l {
		a.live = nil
	}
	s := a.current
	a.mu.Unlock()
	a.logger.Error("websocket session ended", slog.String("app_id", l.appID), slog.Any("error", err))
	if s != nil {
		_ = s.conn.Stop(context.Background())
	}
}

func (a *Adapter) eventHandlers() []any {
	return []any{
		event.ATMessageEventHandler(func(_ *dto.WSPayload, data *dto.WSATMessageData) error {
			a.dispatch(func(s *session) []onebot.Event { return s.bot.ChannelMessageEvents(s.ctx, (*dto.Message)(data)) })
			return nil
		}),
		event.DirectMessageEventHandler(func(_ *dto.WSPayload, data *dto.WSDirectMessageData) error {
			a.dispatch(func(s *session) []onebot.Event { return s.bot.DirectMessageEvents(s.ctx, (*dto.Message)(data)) })
			return nil
		}),
		event.GuildMemberEventHandler(func(payload *dto.WSPayload, data *dto.WSGuildMemberData) error {
			a.dispatch(func(s *session) []onebot.Event {
				return s.bot.MemberEvents(payload.Type, (*dto.Member)(data))
			})
			return nil
		}),
	}
}

// tokenSource issues bot access tokens from the app credentials.
func tokenSource(appID, secret string) oauth2.TokenSource {
	return token.NewQQBotTokenSource(&token.QQBotCredentials{AppID: appID, AppSecret: secret})
}

// dispatch converts one callback for the attached session. Callbacks arriving
// while no account is attached are dropped. Event ids already seen are dropped
// too, which absorbs replays after a resume.
func (a *Adapter) dispatch(convert func(*session) []onebot.Event) {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil || s.ctx.Err() != nil {
		return
	}
	events := convert(s)
	out := events[:0]
	for _, ev := range events {
		if a.seen.Add(ev.ID) {
			out = append(out, ev)
		}
	}
	if len(out) > 0 {
		s.sink.PushEvents(s.bot, out)
	}
}

// recentIDs remembers the last n ids in insertion order.
type recentIDs struct {
	mu    sync.Mutex
	limit int
	order []string
	set   map[string]struct{}
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{limit: limit, set: make(map[string]struct{}, limit)}
}

// Add reports whether id is new.
func (r *recentIDs) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) Debug(v ...any) { l.log.Debug(fmt.Sprint(v...)) }
func (l *slogLogger) Info(v ...any)  { l.log.Info(fmt.Sprint(v...)) }
func (l *slogLogger) Warn(v ...any)  { l.log.Warn(fmt.Sprint(v...)) }
func (l *slogLogger) Error(v ...any) { l.log.Error(fmt.Sprint(v...)) }

func (l *slogLogger) Debugf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *slogLogger) Infof(format string, v ...any)  { l.log.Info(fmt.Sprintf(format, v...)) }
func (l *slogLogger) Warnf(format string, v ...any)  { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l *slogLogger) Errorf(format string, v ...any) { l.log.Error(fmt.Sprintf(format, v...)) }

func (l *slogLogger) Sync() error { return nil }
