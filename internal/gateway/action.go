package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/memohai/all4one/internal/onebot"
)

// CallAction executes one request and always yields a response carrying the
// request echo. queue is the caller's event buffer for get_latest_events and
// may be nil.
func (m *Manager) CallAction(ctx context.Context, req onebot.Request, queue *EventQueue) (resp onebot.Response) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("action panicked",
				slog.String("action", req.Action),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			resp = onebot.Failed(onebot.InternalHandler("%s", fmt.Sprint(r))).WithEcho(req.Echo)
		}
	}()
	data, err := m.callAction(ctx, req, queue)
	if err != nil {
		m.logger.Debug("action failed", slog.String("action", req.Action), slog.Any("error", err))
		return onebot.Failed(err).WithEcho(req.Echo)
	}
	return onebot.OK(data).WithEcho(req.Echo)
}

func (m *Manager) callAction(ctx context.Context, req onebot.Request, queue *EventQueue) (any, error) {
	switch req.Action {
	case ActionGetLatestEvents:
		if queue == nil {
			return nil, onebot.UnsupportedAction(req.Action)
		}
		limit := int(req.Params.Int("limit", 0))
		events := queue.Latest(ctx, limit, req.Params.Duration("timeout"))
		out := make([]any, 0, len(events))
		for _, ev := range events {
			out = append(out, ev.ToMap())
		}
		return out, nil
	case ActionGetStatus:
		return m.Status().ToMap(), nil
	case ActionGetVersion:
		return map[string]any{
			"impl":           m.version.Impl,
			"version":        m.version.Version,
			"onebot_version": m.version.OneBotVersion,
		}, nil
	case ActionGetSupportedActions:
		if req.Self == nil || req.Self.IsZero() {
			return append([]string(nil), managerActions...), nil
		}
	}

	if req.Self == nil || req.Self.IsZero() {
		return nil, onebot.WhoAmI()
	}
	bot, ok := m.Bot(*req.Self)
	if !ok {
		return nil, onebot.UnknownSelf(*req.Self)
	}
	if req.Action == ActionGetSupportedActions {
		return supportedActions(bot.SupportedActions()), nil
	}
	return bot.Dispatch(ctx, req.Action, req.Params)
}

// supportedActions merges a bot's actions with the manager-level ones.
func supportedActions(botActions []string) []string {
	seen := make(map[string]struct{}, len(botActions)+len(managerActions))
	out := make([]string, 0, len(botActions)+len(managerActions))
	for _, list := range [][]string{botActions, managerActions} {
		for _, a := range list {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}
