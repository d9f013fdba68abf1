package onebot12

import (
	"context"
	"errors"
	"log/slog"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

// Caller invokes an action on the upstream. *obws.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, action string, params map[string]any) (any, error)
}

type Bot struct {
	*adapter.BaseBot
	api      Caller
	upstream map[string]struct{}
}

// NewBot builds the capability table from the upstream's declared actions.
// The file actions and get_self_info stay local.
func NewBot(api Caller, self onebot.Self, upstreamActions []string, files adapter.FileStore, log *slog.Logger) *Bot {
	b := &Bot{
		BaseBot:  adapter.NewBaseBot(Type, self, files, log),
		api:      api,
		upstream: make(map[string]struct{}, len(upstreamActions)),
	}
	for _, name := range upstreamActions {
		b.upstream[name] = struct{}{}
	}
	b.Handle("get_self_info", b.getSelfInfo)
	b.Forward(upstreamActions, b.forward)
	return b
}

func (b *Bot) forward(ctx context.Context, action string, params onebot.Params) (any, error) {
	native := make(map[string]any, len(params)+1)
	for k, v := range params {
		native[k] = v
	}
	native["self"] = selfParam(b.Self())
	data, err := b.api.Call(ctx, action, native)
	if err != nil {
		var ae *onebot.ActionError
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, onebot.NetworkError("%s: %s", action, err.Error())
	}
	return data, nil
}

func (b *Bot) getSelfInfo(ctx context.Context, params onebot.Params) (any, error) {
	if _, ok := b.upstream["get_self_info"]; ok {
		return b.forward(ctx, "get_self_info", params)
	}
	return map[string]any{
		"user_id":          b.Self().UserID,
		"user_name":        "",
		"user_displayname": "",
	}, nil
}

// ToEvent rewrites the self identity of an upstream event.
func (b *Bot) ToEvent(ev onebot.Event) onebot.Event {
	ev.Self = b.Self()
	if ev.Time.IsZero() {
		ev.Time = onebot.Now()
		ev.TimeEstimated = true
	}
	return ev
}
