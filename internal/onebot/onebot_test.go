package onebot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageForms(t *testing.T) {
	t.Parallel()

	msg, err := ParseMessage("hello")
	require.NoError(t, err)
	assert.Equal(t, Message{Text("hello")}, msg)

	msg, err = ParseMessage([]any{
		map[string]any{"type": "text", "data": map[string]any{"text": "hi "}},
		map[string]any{"type": "mention", "data": map[string]any{"user_id": "42"}},
		map[string]any{"type": "image", "data": map[string]any{"file_id": "abc"}},
	})
	require.NoError(t, err)
	require.Len(t, msg, 3)
	assert.Equal(t, "hi @42[image]", msg.AltText())
	assert.Equal(t, "hi ", msg.PlainText())

	_, err = ParseMessage([]any{"bare"})
	require.Error(t, err)
	_, err = ParseMessage([]any{map[string]any{"data": map[string]any{}}})
	require.Error(t, err)
}

func TestEventMapRoundTrip(t *testing.T) {
	t.Parallel()

	ev := Event{
		ID:            "1",
		Time:          time.UnixMilli(1700000000123),
		TimeEstimated: true,
		Type:          EventMessage,
		DetailType:    DetailChannel,
		Self:          Self{Platform: "discord", UserID: "9"},
		MessageID:     "c/m",
		Message:       Message{Text("hi"), Mention("3")},
		AltMessage:    "hi@3",
		UserID:        "3",
		GuildID:       "g",
		ChannelID:     "c",
		Extra:         map[string]any{"discord.nonce": "n"},
	}
	got, err := EventFromMap(ev.ToMap())
	require.NoError(t, err)
	assert.True(t, ev.Time.Equal(got.Time))
	got.Time = ev.Time
	assert.Equal(t, ev, got)
}

func TestEventFromMapRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := EventFromMap(map[string]any{"type": "gossip"})
	require.Error(t, err)
}

func TestRequestFromMapSelfPlacement(t *testing.T) {
	t.Parallel()

	req, err := RequestFromMap(map[string]any{
		"action": "send_message",
		"params": map[string]any{
			"self":   map[string]any{"platform": "qq", "user_id": "123"},
			"detail": "x",
		},
		"echo": "e1",
	})
	require.NoError(t, err)
	require.NotNil(t, req.Self)
	assert.Equal(t, Self{Platform: "qq", UserID: "123"}, *req.Self)
	assert.NotContains(t, req.Params, "self")
	assert.Equal(t, "e1", req.Echo)

	req, err = RequestFromMap(map[string]any{
		"action": "get_self_info",
		"self":   map[string]any{"platform": "qq", "user_id": float64(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, "7", req.Self.UserID)

	_, err = RequestFromMap(map[string]any{"params": map[string]any{}})
	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, RetBadRequest, ae.Retcode)
}

func TestFailedResponse(t *testing.T) {
	t.Parallel()

	resp := Failed(errors.New("boom"))
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, RetInternalHandler, resp.Retcode)
	assert.Equal(t, "boom", resp.Message)

	resp = Failed(BadParam("user_id is required"))
	assert.Equal(t, RetBadParam, resp.Retcode)
}

func TestParamsHelpers(t *testing.T) {
	t.Parallel()

	p := Params{
		"user_id": float64(12345678901),
		"data":    "aGVsbG8=",
		"raw":     []byte("x"),
		"limit":   int64(3),
		"timeout": 0.5,
		"headers": map[string]any{"X-A": "1"},
	}
	assert.Equal(t, "12345678901", p.String("user_id"))
	b, err := p.Bytes("data")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
	b, err = p.Bytes("raw")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)
	assert.Equal(t, int64(3), p.Int("limit", 0))
	assert.Equal(t, 500*time.Millisecond, p.Duration("timeout"))
	assert.Equal(t, map[string]string{"X-A": "1"}, p.StringMap("headers"))

	_, err = p.RequireString("group_id")
	require.Error(t, err)
	_, err = Params{"data": "%%%"}.Bytes("data")
	require.Error(t, err)
}

func TestStatusUpdateEventNeverNilBots(t *testing.T) {
	t.Parallel()

	ev := StatusUpdateEvent(Status{Good: true})
	require.NotNil(t, ev.Status)
	assert.NotNil(t, ev.Status.Bots)
	m := ev.ToMap()
	assert.NotContains(t, m, "self")
}
