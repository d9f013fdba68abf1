package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/config"
	"github.com/memohai/all4one/internal/onebot"
)

type fakeBot struct {
	self onebot.Self

	mu    sync.Mutex
	calls []onebot.Params
	fn    func(action string, params onebot.Params) (any, error)
}

func newFakeBot(platform, userID string) *fakeBot {
	return &fakeBot{self: onebot.Self{Platform: platform, UserID: userID}}
}

func (b *fakeBot) Type() adapter.Type         { return adapter.Type(b.self.Platform) }
func (b *fakeBot) Self() onebot.Self          { return b.self }
func (b *fakeBot) SupportedActions() []string { return []string{"send_message", "get_status"} }

func (b *fakeBot) Dispatch(_ context.Context, action string, params onebot.Params) (any, error) {
	b.mu.Lock()
	b.calls = append(b.calls, params)
	fn := b.fn
	b.mu.Unlock()
	if fn != nil {
		return fn(action, params)
	}
	if action != "send_message" {
		return nil, onebot.UnsupportedAction(action)
	}
	return onebot.SentMessage("m1", time.Unix(1700000000, 0)), nil
}

func (b *fakeBot) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestManager(t *testing.T, conns ...config.ConnectionConfig) *Manager {
	t.Helper()
	for i := range conns {
		if conns[i].EventBufferSize == 0 {
			conns[i].EventBufferSize = 16
		}
		if conns[i].Timeout == 0 {
			conns[i].Timeout = time.Second
		}
		if conns[i].ReconnectInterval == 0 {
			conns[i].ReconnectInterval = 50 * time.Millisecond
		}
		if conns[i].Path == "" {
			conns[i].Path = "/all4one"
		}
	}
	m, err := NewManager(nil, Options{
		Impl:        config.ImplConfig{Name: "all4one", OneBotVersion: "12"},
		Connections: conns,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func sendRequest(self *onebot.Self) onebot.Request {
	return onebot.Request{
		Action: "send_message",
		Params: onebot.Params{"detail_type": "group", "group_id": "456", "message": "hi"},
		Echo:   "e-1",
		Self:   self,
	}
}

func TestCallActionResolvesSelf(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	bot := newFakeBot("qq", "123")
	m.BotConnect(bot)
	ctx := context.Background()

	resp := m.CallAction(ctx, sendRequest(nil), nil)
	assert.Equal(t, onebot.RetWhoAmI, resp.Retcode)
	assert.Equal(t, "e-1", resp.Echo)

	resp = m.CallAction(ctx, sendRequest(&onebot.Self{Platform: "qq", UserID: "999"}), nil)
	assert.Equal(t, onebot.RetUnknownSelf, resp.Retcode)

	resp = m.CallAction(ctx, sendRequest(&onebot.Self{Platform: "tg", UserID: "123"}), nil)
	assert.Equal(t, onebot.RetUnknownSelf, resp.Retcode)

	resp = m.CallAction(ctx, sendRequest(&bot.self), nil)
	require.Equal(t, onebot.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, "e-1", resp.Echo)
	assert.Equal(t, 1, bot.callCount())
	data := resp.Data.(map[string]any)
	assert.Equal(t, "m1", data["message_id"])
	assert.Equal(t, float64(1700000000), data["time"])
}

func TestCallActionRecoversPanics(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	bot := newFakeBot("qq", "1")
	bot.fn = func(string, onebot.Params) (any, error) { panic("boom") }
	m.BotConnect(bot)

	resp := m.CallAction(context.Background(), sendRequest(&bot.self), nil)
	assert.Equal(t, onebot.StatusFailed, resp.Status)
	assert.Equal(t, onebot.RetInternalHandler, resp.Retcode)
	assert.Contains(t, resp.Message, "boom")
	assert.Equal(t, "e-1", resp.Echo)
}

func TestCallActionPlainErrorsBecomeInternal(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	bot := newFakeBot("qq", "1")
	bot.fn = func(string, onebot.Params) (any, error) { return nil, errors.New("db closed") }
	m.BotConnect(bot)

	resp := m.CallAction(context.Background(), sendRequest(&bot.self), nil)
	assert.Equal(t, onebot.RetInternalHandler, resp.Retcode)
	assert.Equal(t, "db closed", resp.Message)
}

func TestManagerActions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	bot := newFakeBot("qq", "1")
	m.BotConnect(bot)
	ctx := context.Background()

	resp := m.CallAction(ctx, onebot.Request{Action: ActionGetVersion}, nil)
	assert.Equal(t, map[string]any{"impl": "all4one", "version": m.Version().Version, "onebot_version": "12"}, resp.Data)

	resp = m.CallAction(ctx, onebot.Request{Action: ActionGetStatus}, nil)
	status := resp.Data.(map[string]any)
	assert.Equal(t, true, status["good"])
	assert.Len(t, status["bots"], 1)

	resp = m.CallAction(ctx, onebot.Request{Action: ActionGetLatestEvents}, nil)
	assert.Equal(t, onebot.RetUnsupportedAction, resp.Retcode)

	resp = m.CallAction(ctx, onebot.Request{Action: ActionGetSupportedActions}, nil)
	assert.ElementsMatch(t, managerActions, resp.Data)

	resp = m.CallAction(ctx, onebot.Request{Action: ActionGetSupportedActions, Self: &bot.self}, nil)
	assert.Equal(t, []string{"get_latest_events", "get_status", "get_supported_actions", "get_version", "send_message"}, resp.Data)
	assert.Equal(t, 0, bot.callCount())
}

func TestGetLatestEventsFromQueue(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	q := NewEventQueue(4, nil)
	m.subscribe(q)
	bot := newFakeBot("qq", "1")
	m.BotConnect(bot)
	m.PushEvents(bot, []onebot.Event{{ID: "ev1", Type: onebot.EventMessage, DetailType: onebot.DetailPrivate}})

	resp := m.CallAction(context.Background(), onebot.Request{Action: ActionGetLatestEvents, Params: onebot.Params{"limit": 0}}, q)
	require.Equal(t, onebot.StatusOK, resp.Status)
	events := resp.Data.([]any)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, onebot.DetailStatusUpdate, first["detail_type"])
	second := events[1].(map[string]any)
	assert.Equal(t, "ev1", second["id"])
	assert.Equal(t, map[string]any{"platform": "qq", "user_id": "1"}, second["self"])
}

func TestBotDisconnectAnnouncesOffline(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	q := NewEventQueue(4, nil)
	m.subscribe(q)
	bot := newFakeBot("qq", "1")

	m.BotConnect(bot)
	m.BotDisconnect(bot)
	m.BotDisconnect(bot)

	events := q.Drain(0)
	require.Len(t, events, 2)
	assert.True(t, events[0].Status.Bots[0].Online)
	assert.False(t, events[1].Status.Bots[0].Online)
	_, ok := m.Bot(bot.self)
	assert.False(t, ok)
	assert.Empty(t, m.Bots())
}

func TestBotReconnectReplacesAccountQueue(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.ConnectionConfig{Type: config.BindingHTTP, PerAccount: true, EventEnabled: true})
	bot := newFakeBot("qq", "1")

	m.BotConnect(bot)
	first := m.accountQueue(m.bindings[0], bot.self)
	m.BotConnect(bot)
	second := m.accountQueue(m.bindings[0], bot.self)

	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	m.mu.RLock()
	_, stale := m.queues[first]
	count := len(m.queues)
	m.mu.RUnlock()
	assert.False(t, stale)
	assert.Equal(t, 1, count)
}

func TestNewManagerRejectsDuplicateRoutes(t *testing.T) {
	t.Parallel()
	_, err := NewManager(nil, Options{Connections: []config.ConnectionConfig{
		{Type: config.BindingHTTP, Path: "/a"},
		{Type: config.BindingWebSocket, Path: "/a"},
		{Type: config.BindingHTTP, Path: "/a"},
	}})
	assert.Error(t, err)

	_, err = NewManager(nil, Options{Connections: []config.ConnectionConfig{{Type: config.BindingHTTPWebhook}}})
	assert.Error(t, err)
}

func TestTaskGroupStop(t *testing.T) {
	t.Parallel()
	g := newTaskGroup(context.Background())
	stopped := make(chan struct{})
	require.True(t, g.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	}))
	require.NoError(t, g.Stop(context.Background()))
	select {
	case <-stopped:
	default:
		t.Fatal("task still running after Stop")
	}
	assert.False(t, g.Go(func(context.Context) {}))
}
