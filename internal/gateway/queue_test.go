package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/onebot"
)

func msgEvent(id string) onebot.Event {
	return onebot.Event{ID: id, Type: onebot.EventMessage, DetailType: onebot.DetailPrivate, Self: onebot.Self{Platform: "qq", UserID: "1"}}
}

func ids(events []onebot.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	q := NewEventQueue(3, nil)
	assert.False(t, q.Push(msgEvent("1")))
	assert.False(t, q.Push(msgEvent("2")))
	assert.False(t, q.Push(msgEvent("3")))
	assert.True(t, q.Push(msgEvent("4")))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"2", "3", "4"}, ids(q.Drain(0)))
	assert.Equal(t, 0, q.Len())
}

func TestQueueDrainLimit(t *testing.T) {
	t.Parallel()
	q := NewEventQueue(8, nil)
	for _, id := range []string{"a", "b", "c"} {
		q.Push(msgEvent(id))
	}
	assert.Equal(t, []string{"a", "b"}, ids(q.Drain(2)))
	assert.Equal(t, []string{"c"}, ids(q.Drain(2)))
}

func TestQueueLatestTimeouts(t *testing.T) {
	t.Parallel()
	q := NewEventQueue(4, nil)

	start := time.Now()
	assert.Empty(t, q.Latest(context.Background(), 0, 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	assert.Empty(t, q.Latest(context.Background(), 0, 80*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(msgEvent("late"))
	}()
	start = time.Now()
	got := q.Latest(context.Background(), 0, 5*time.Second)
	assert.Equal(t, []string{"late"}, ids(got))
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueuePopWaitsAndCancels(t *testing.T) {
	t.Parallel()
	q := NewEventQueue(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errc <- err
	}()
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	go q.Push(msgEvent("x"))
	ev, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", ev.ID)
}

func TestQueueSelfFilter(t *testing.T) {
	t.Parallel()
	self := onebot.Self{Platform: "qq", UserID: "1"}
	q := NewEventQueue(4, &self)

	assert.True(t, q.Accepts(msgEvent("m")))
	other := msgEvent("o")
	other.Self.UserID = "2"
	assert.False(t, q.Accepts(other))

	online := onebot.StatusUpdateEvent(onebot.Status{Good: true, Bots: []onebot.BotStatus{{Self: self, Online: true}}})
	assert.True(t, q.Accepts(online))
	elsewhere := onebot.StatusUpdateEvent(onebot.Status{Good: true, Bots: []onebot.BotStatus{{Self: other.Self, Online: true}}})
	assert.False(t, q.Accepts(elsewhere))

	assert.True(t, NewEventQueue(1, nil).Accepts(other))
}
