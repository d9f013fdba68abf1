package obws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/onebot"
)

// fakeUpstream answers every action with its params echoed back, except
// "fail" which returns retcode 1400, and pushes one event after connect.
func fakeUpstream(t *testing.T, auth *atomic.Value) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"post_type": "meta_event", "meta_event_type": "lifecycle"})
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := map[string]any{"echo": req["echo"], "status": "ok", "retcode": 0, "data": req["params"]}
			if req["action"] == "fail" {
				resp = map[string]any{"echo": req["echo"], "status": "failed", "retcode": 1400, "wording": "bad"}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientCallAndEvents(t *testing.T) {
	t.Parallel()
	var auth atomic.Value
	srv := fakeUpstream(t, &auth)
	defer srv.Close()

	events := make(chan map[string]any, 4)
	connected := make(chan struct{}, 1)
	disconnected := make(chan struct{}, 1)
	var client *Client
	client = New(nil, Options{URL: wsURL(srv), AccessToken: "tok", CallTimeout: 2 * time.Second}, Handlers{
		OnConnect: func(ctx context.Context) error {
			data, err := client.Call(ctx, "get_login_info", map[string]any{"x": 1})
			if err != nil {
				return err
			}
			if data.(map[string]any)["x"] != float64(1) {
				return errors.New("unexpected handshake data")
			}
			connected <- struct{}{}
			return nil
		},
		OnDisconnect: func() { disconnected <- struct{}{} },
		OnEvent:      func(_ context.Context, frame map[string]any) { events <- frame },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not connect")
	}
	assert.Equal(t, "Bearer tok", auth.Load())

	select {
	case ev := <-events:
		assert.Equal(t, "meta_event", ev["post_type"])
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	_, err := client.Call(context.Background(), "fail", nil)
	var ae *onebot.ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, int64(1400), ae.Retcode)
	assert.Equal(t, "bad", ae.Message)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatalf("OnDisconnect not called")
	}
	assert.False(t, client.Connected())
}

func TestClientCallWithoutConnection(t *testing.T) {
	t.Parallel()
	client := New(nil, Options{URL: "ws://127.0.0.1:1"}, Handlers{})
	_, err := client.Call(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientReconnectsAfterDialFailure(t *testing.T) {
	t.Parallel()
	var auth atomic.Value
	srv := fakeUpstream(t, &auth)
	url := wsURL(srv)
	srv.Close()

	var attempts atomic.Int32
	client := New(nil, Options{URL: url, ReconnectInterval: time.Millisecond}, Handlers{})
	client.opts.Dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	client.Run(ctx)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestSlowEventDoesNotDelayCalls(t *testing.T) {
	t.Parallel()
	var auth atomic.Value
	srv := fakeUpstream(t, &auth)
	defer srv.Close()

	eventStarted := make(chan struct{})
	release := make(chan struct{})
	var client *Client
	client = New(nil, Options{URL: wsURL(srv), CallTimeout: 500 * time.Millisecond}, Handlers{
		OnEvent: func(ctx context.Context, _ map[string]any) {
			close(eventStarted)
			select {
			case <-release:
			case <-ctx.Done():
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-eventStarted:
	case <-time.After(3 * time.Second):
		t.Fatalf("event not delivered")
	}
	data, err := client.Call(context.Background(), "echo", map[string]any{"v": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", data.(map[string]any)["v"])
	close(release)
}
