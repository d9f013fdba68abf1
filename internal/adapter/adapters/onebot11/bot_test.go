package onebot11

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

type recordedCall struct {
	action string
	params map[string]any
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []recordedCall
	result func(action string) (any, error)
}

func (f *fakeCaller) Call(_ context.Context, action string, params map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{action: action, params: params})
	f.mu.Unlock()
	if f.result != nil {
		return f.result(action)
	}
	return nil, nil
}

func newTestBot(api Caller) *Bot {
	return NewBot(api, onebot.Self{Platform: Platform, UserID: "123"}, nil, nil)
}

func TestSendGroupMessage(t *testing.T) {
	t.Parallel()
	api := &fakeCaller{result: func(string) (any, error) {
		return map[string]any{"message_id": float64(99)}, nil
	}}
	bot := newTestBot(api)

	before := onebot.Timestamp(time.Now())
	res, err := bot.Dispatch(context.Background(), "send_message", onebot.Params{
		"detail_type": "group",
		"group_id":    "456",
		"message":     []any{map[string]any{"type": "text", "data": map[string]any{"text": "hi"}}},
	})
	require.NoError(t, err)

	require.Len(t, api.calls, 1)
	call := api.calls[0]
	assert.Equal(t, "send_msg", call.action)
	assert.Equal(t, "group", call.params["message_type"])
	assert.Equal(t, int64(456), call.params["group_id"])
	assert.Equal(t, []map[string]any{{"type": "text", "data": map[string]any{"text": "hi"}}}, call.params["message"])

	out := res.(map[string]any)
	assert.Equal(t, "99", out["message_id"])
	ts, ok := out["time"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ts, before-1)
}

func TestSendMessageRejectsUnsupported(t *testing.T) {
	t.Parallel()
	bot := newTestBot(&fakeCaller{})
	ctx := context.Background()

	_, err := bot.Dispatch(ctx, "send_message", onebot.Params{"detail_type": "channel", "guild_id": "1", "channel_id": "2", "message": "x"})
	assert.Equal(t, onebot.RetUnsupportedParam, onebot.AsActionError(err).Retcode)

	_, err = bot.Dispatch(ctx, "send_message", onebot.Params{
		"detail_type": "private", "user_id": "1",
		"message": []any{map[string]any{"type": "location", "data": map[string]any{}}},
	})
	assert.Equal(t, onebot.RetUnsupportedSegment, onebot.AsActionError(err).Retcode)

	_, err = bot.Dispatch(ctx, "send_message", onebot.Params{"detail_type": "private", "user_id": "abc", "message": "x"})
	assert.Equal(t, onebot.RetBadParam, onebot.AsActionError(err).Retcode)
}

func TestUpstreamFailureIsPlatformError(t *testing.T) {
	t.Parallel()
	bot := newTestBot(&fakeCaller{result: func(string) (any, error) {
		return nil, errors.New("retcode 1400")
	}})
	_, err := bot.Dispatch(context.Background(), "get_group_list", nil)
	assert.Equal(t, onebot.RetPlatformError, onebot.AsActionError(err).Retcode)
}

func TestGetGroupMemberList(t *testing.T) {
	t.Parallel()
	bot := newTestBot(&fakeCaller{result: func(string) (any, error) {
		return []any{map[string]any{"user_id": float64(1), "nickname": "a", "card": "A"}}, nil
	}})
	res, err := bot.Dispatch(context.Background(), "get_group_member_list", onebot.Params{"group_id": 5})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"user_id": "1", "user_name": "a", "user_displayname": "A", "user_remark": ""}}, res)
}

func TestSupportedActionsStable(t *testing.T) {
	t.Parallel()
	bot := newTestBot(&fakeCaller{})
	first := bot.SupportedActions()
	assert.Equal(t, first, bot.SupportedActions())
	assert.Contains(t, first, "send_message")
	assert.Contains(t, first, "get_supported_actions")
}

type chanSink struct {
	connected    chan adapter.Bot
	disconnected chan adapter.Bot
	events       chan []onebot.Event
}

func newChanSink() *chanSink {
	return &chanSink{
		connected:    make(chan adapter.Bot, 1),
		disconnected: make(chan adapter.Bot, 1),
		events:       make(chan []onebot.Event, 4),
	}
}

func (s *chanSink) BotConnect(b adapter.Bot)    { s.connected <- b }
func (s *chanSink) BotDisconnect(b adapter.Bot) { s.disconnected <- b }
func (s *chanSink) PushEvents(_ adapter.Bot, evs []onebot.Event) {
	s.events <- evs
}

func TestAdapterConnectLifecycle(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"echo": req["echo"], "status": "ok", "retcode": 0, "data": map[string]any{"user_id": 123, "nickname": "bot"}})
		_ = conn.WriteJSON(map[string]any{
			"post_type": "message", "message_type": "private", "sub_type": "friend", "time": 1700000000,
			"self_id": 123, "user_id": 7, "message_id": 1, "message": []any{map[string]any{"type": "text", "data": map[string]any{"text": "ping"}}},
			"raw_message": "ping", "font": 0,
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := newChanSink()
	a := NewAdapter(nil, nil)
	conn, err := a.Connect(context.Background(), adapter.AccountConfig{
		ID: "acc", Type: Type,
		Credentials: map[string]string{CredURL: "ws" + strings.TrimPrefix(srv.URL, "http")},
	}, sink)
	require.NoError(t, err)

	var bot adapter.Bot
	select {
	case bot = <-sink.connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("bot not connected")
	}
	assert.Equal(t, onebot.Self{Platform: "qq", UserID: "123"}, bot.Self())

	select {
	case evs := <-sink.events:
		require.Len(t, evs, 1)
		assert.Equal(t, "private", evs[0].DetailType)
		assert.Equal(t, "7", evs[0].UserID)
		assert.Equal(t, "qq", evs[0].Self.Platform)
		assert.Equal(t, float64(0), evs[0].Extra["qq.font"])
	case <-time.After(3 * time.Second):
		t.Fatalf("event not pushed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Stop(ctx))
	select {
	case <-sink.disconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("bot not disconnected")
	}
	assert.False(t, conn.Running())
}
