package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/memohai/all4one/internal/codec"
	"github.com/memohai/all4one/internal/onebot"
	"github.com/memohai/all4one/internal/version"
)

// runWebhook posts every event of its queue to the binding url, one request
// per event. Failed pushes are logged and the loop moves on; a 200 reply may
// carry follow-up actions.
func (m *Manager) runWebhook(ctx context.Context, b *binding, self *onebot.Self) {
	log := m.logger.With(slog.String("binding", b.name()), slog.String("url", b.cfg.URL))
	client := resty.New().
		SetTimeout(b.cfg.Timeout).
		SetHeader("Content-Type", b.format.ContentType()).
		SetHeader("User-Agent", version.UserAgent()).
		SetHeader("X-OneBot-Version", m.version.OneBotVersion).
		SetHeader("X-Impl", m.version.Impl)
	if b.cfg.AccessToken != "" {
		client.SetAuthToken(b.cfg.AccessToken)
	}
	if self != nil {
		client.SetHeader("X-Platform", self.Platform).SetHeader("X-Self-ID", self.UserID)
	}

	queue := NewEventQueue(b.cfg.EventBufferSize, self)
	queue.Push(onebot.StatusUpdateEvent(m.statusFor(self)))
	m.subscribe(queue)
	defer m.unsubscribe(queue)
	if iv := b.cfg.HeartbeatInterval; iv > 0 {
		go heartbeat(ctx, queue, iv)
	}

	for {
		ev, err := queue.Pop(ctx)
		if err != nil {
			return
		}
		body, err := codec.EncodeEvent(b.format, ev)
		if err != nil {
			log.Error("encode event failed, stopping webhook", slog.String("event", ev.ID), slog.Any("error", err))
			return
		}
		resp, err := client.R().SetContext(ctx).SetBody(body).Post(b.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("webhook push failed", slog.String("event", ev.ID), slog.Any("error", err))
			continue
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			m.webhookActions(ctx, log, resp, self)
		case http.StatusNoContent:
		default:
			log.Warn("webhook push rejected", slog.String("event", ev.ID), slog.Int("status", resp.StatusCode()))
		}
	}
}

// webhookActions executes the action batch of a 200 webhook reply.
func (m *Manager) webhookActions(ctx context.Context, log *slog.Logger, resp *resty.Response, self *onebot.Self) {
	body := resp.Body()
	if len(body) == 0 {
		return
	}
	format, ok := codec.FormatFromContentType(resp.Header().Get("Content-Type"))
	if !ok {
		log.Warn("webhook reply has unsupported content type", slog.String("content_type", resp.Header().Get("Content-Type")))
		return
	}
	reqs, err := codec.DecodeRequests(format, body)
	if err != nil {
		log.Warn("webhook reply actions invalid", slog.Any("error", err))
		return
	}
	for _, req := range reqs {
		if self != nil && req.Self == nil {
			req.Self = self
		}
		res := m.CallAction(ctx, req, nil)
		if res.Status != onebot.StatusOK {
			log.Warn("webhook reply action failed",
				slog.String("action", req.Action),
				slog.Int64("retcode", res.Retcode),
				slog.String("message", res.Message))
		}
	}
}
