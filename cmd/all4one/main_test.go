package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/codec"
	"github.com/memohai/all4one/internal/config"
	"github.com/memohai/all4one/internal/onebot"
)

func TestBuildCallRequest(t *testing.T) {
	t.Parallel()

	req, err := buildCallRequest("send_message", `{"detail_type":"private","user_id":"1","message":"hi"}`,
		callOptions{Platform: "qq", SelfID: "10", Echo: "e"})
	require.NoError(t, err)
	assert.Equal(t, "send_message", req.Action)
	assert.Equal(t, "private", req.Params["detail_type"])
	assert.Equal(t, &onebot.Self{Platform: "qq", UserID: "10"}, req.Self)
	assert.Equal(t, "e", req.Echo)

	req, err = buildCallRequest("get_status", "", callOptions{})
	require.NoError(t, err)
	assert.Nil(t, req.Self)
	assert.Nil(t, req.Echo)

	_, err = buildCallRequest(" ", "", callOptions{})
	assert.Error(t, err)
	_, err = buildCallRequest("x", "{", callOptions{})
	assert.Error(t, err)
	_, err = buildCallRequest("x", "", callOptions{Platform: "qq"})
	assert.Error(t, err)
}

func TestRunCall(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format, ok := codec.FormatFromContentType(r.Header.Get("Content-Type"))
		if !ok {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		req, err := codec.DecodeRequest(format, raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := onebot.OK(map[string]any{"action": req.Action}).WithEcho(req.Echo)
		if req.Action == "bad" {
			resp = onebot.Failed(onebot.UnsupportedAction(req.Action)).WithEcho(req.Echo)
		}
		body, _ := codec.EncodeResponse(format, resp)
		w.Header().Set("Content-Type", format.ContentType())
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	opts := callOptions{URL: srv.URL, Token: "tok", UseMsgpack: true, Timeout: time.Second}
	var out bytes.Buffer
	require.NoError(t, runCall(context.Background(), opts, onebot.Request{Action: "get_status", Params: onebot.Params{}, Echo: "1"}, &out))
	assert.Contains(t, out.String(), `"action": "get_status"`)
	assert.Contains(t, out.String(), `"status": "ok"`)

	out.Reset()
	err := runCall(context.Background(), opts, onebot.Request{Action: "bad", Params: onebot.Params{}}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10002")
	assert.Contains(t, out.String(), `"retcode": 10002`)

	opts.Token = ""
	err = runCall(context.Background(), opts, onebot.Request{Action: "get_status", Params: onebot.Params{}}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 401")
}

func TestAccountsFromConfig(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := accountsFromConfig([]config.AccountConfig{
		{ID: "tg", Type: "telegram", Credentials: map[string]string{"token": "x"}},
		{ID: "off", Type: "console", Disabled: true},
	}, at)
	require.Len(t, got, 2)
	assert.Equal(t, "telegram", got[0].Type.String())
	assert.Equal(t, "x", got[0].Credential("token"))
	assert.Equal(t, at, got[0].UpdatedAt)
	assert.True(t, got[1].Disabled)

	listed, err := got.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestRootCommandWiring(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["version"])
	assert.True(t, names["call"])
	assert.True(t, names["adapters"])

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "all4one ")
}

func TestAdaptersCommandListsEnabled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("middlewares = [\"telegram\", \"villa\"]\n"), 0o600))

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"adapters", "--config", path})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "telegram")
	assert.Contains(t, lines[0], "Telegram")
	assert.Contains(t, lines[1], "villa")
}
