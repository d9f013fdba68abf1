package onebot12

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls []map[string]any
	err   error
}

func (f *fakeCaller) Call(_ context.Context, action string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, map[string]any{"action": action, "params": params})
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"message_id": "m1", "time": 1.5}, nil
}

func TestBotForwardsDeclaredActions(t *testing.T) {
	t.Parallel()
	api := &fakeCaller{}
	self := onebot.Self{Platform: "kook", UserID: "9"}
	bot := NewBot(api, self, []string{"send_message", "get_file", "get_supported_actions"}, nil, nil)

	assert.Equal(t, []string{"get_self_info", "get_supported_actions", "send_message"}, bot.SupportedActions())

	res, err := bot.Dispatch(context.Background(), "send_message", onebot.Params{"detail_type": "private", "user_id": "1", "message": "x"})
	require.NoError(t, err)
	assert.Equal(t, "m1", res.(map[string]any)["message_id"])
	require.Len(t, api.calls, 1)
	params := api.calls[0]["params"].(map[string]any)
	assert.Equal(t, map[string]any{"platform": "kook", "user_id": "9"}, params["self"])

	_, err = bot.Dispatch(context.Background(), "delete_message", nil)
	assert.Equal(t, onebot.RetUnsupportedAction, onebot.AsActionError(err).Retcode)

	res, err = bot.Dispatch(context.Background(), "get_self_info", nil)
	require.NoError(t, err)
	assert.Equal(t, "9", res.(map[string]any)["user_id"])
	assert.Len(t, api.calls, 1)
}

func TestBotKeepsUpstreamRetcode(t *testing.T) {
	t.Parallel()
	api := &fakeCaller{err: onebot.NewActionError(35001, "nope")}
	bot := NewBot(api, onebot.Self{Platform: "p", UserID: "1"}, []string{"leave_group"}, nil, nil)
	_, err := bot.Dispatch(context.Background(), "leave_group", onebot.Params{"group_id": "1"})
	ae := onebot.AsActionError(err)
	assert.Equal(t, int64(35001), ae.Retcode)
	assert.Equal(t, "nope", ae.Message)
}

type chanSink struct {
	connected    chan adapter.Bot
	disconnected chan adapter.Bot
	events       chan onebot.Event
}

func (s *chanSink) BotConnect(b adapter.Bot)    { s.connected <- b }
func (s *chanSink) BotDisconnect(b adapter.Bot) { s.disconnected <- b }
func (s *chanSink) PushEvents(_ adapter.Bot, evs []onebot.Event) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// upstream12 serves get_status and get_supported_actions, then pushes one
// message event and one status_update taking the bot offline.
func upstream12(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		self := map[string]any{"platform": "kook", "user_id": "9"}
		for i := 0; i < 2; i++ {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var data any
			switch req["action"] {
			case "get_status":
				data = map[string]any{"good": true, "bots": []any{map[string]any{"self": self, "online": true}}}
			case "get_supported_actions":
				data = []any{"send_message"}
			}
			_ = conn.WriteJSON(map[string]any{"echo": req["echo"], "status": "ok", "retcode": 0, "data": data, "message": ""})
		}
		_ = conn.WriteJSON(map[string]any{
			"id": "e1", "time": 1.0, "type": "message", "detail_type": "private", "sub_type": "",
			"self": self, "message_id": "m", "message": []any{}, "alt_message": "", "user_id": "u",
		})
		_ = conn.WriteJSON(map[string]any{
			"id": "e2", "time": 2.0, "type": "meta", "detail_type": "status_update", "sub_type": "",
			"status": map[string]any{"good": true, "bots": []any{map[string]any{"self": self, "online": false}}},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestAdapterRelaysUpstreamBots(t *testing.T) {
	t.Parallel()
	srv := upstream12(t)
	defer srv.Close()

	sink := &chanSink{connected: make(chan adapter.Bot, 1), disconnected: make(chan adapter.Bot, 1), events: make(chan onebot.Event, 1)}
	conn, err := NewAdapter(nil, nil).Connect(context.Background(), adapter.AccountConfig{
		ID: "up", Type: Type, Credentials: map[string]string{CredURL: "ws" + strings.TrimPrefix(srv.URL, "http")},
	}, sink)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Stop(ctx)
	}()

	select {
	case bot := <-sink.connected:
		assert.Equal(t, onebot.Self{Platform: "kook", UserID: "9"}, bot.Self())
		assert.Contains(t, bot.SupportedActions(), "send_message")
	case <-time.After(3 * time.Second):
		t.Fatalf("bot not connected")
	}
	select {
	case ev := <-sink.events:
		assert.Equal(t, "kook", ev.Self.Platform)
		assert.Equal(t, "e1", ev.ID)
	case <-time.After(3 * time.Second):
		t.Fatalf("event not relayed")
	}
	select {
	case <-sink.disconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("offline status_update did not disconnect the bot")
	}
}

type slowCaller struct {
	calls atomic.Int32
}

func (c *slowCaller) Call(context.Context, string, map[string]any) (any, error) {
	c.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return []any{"send_message"}, nil
}

type countingSink struct {
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (s *countingSink) BotConnect(adapter.Bot)                 { s.connects.Add(1) }
func (s *countingSink) BotDisconnect(adapter.Bot)              { s.disconnects.Add(1) }
func (s *countingSink) PushEvents(adapter.Bot, []onebot.Event) {}

func TestConcurrentStatusUpdatesConnectOnce(t *testing.T) {
	t.Parallel()
	caller := &slowCaller{}
	sink := &countingSink{}
	s := &session{adapter: NewAdapter(nil, nil), client: caller, sink: sink, logger: slog.Default(), bots: map[onebot.Self]*Bot{}}
	self := map[string]any{"platform": "kook", "user_id": "9"}
	status := func(online bool) map[string]any {
		return map[string]any{
			"id": "s", "time": 1.0, "type": "meta", "detail_type": "status_update", "sub_type": "",
			"status": map[string]any{"good": true, "bots": []any{map[string]any{"self": self, "online": online}}},
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(context.Background(), status(true))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), sink.connects.Load())
	assert.Equal(t, int32(1), caller.calls.Load())

	s.handle(context.Background(), status(false))
	s.handle(context.Background(), status(false))
	assert.Equal(t, int32(1), sink.disconnects.Load())
}
