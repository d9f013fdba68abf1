package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/all4one/internal/codec"
	"github.com/memohai/all4one/internal/onebot"
	"github.com/memohai/all4one/internal/version"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (m *Manager) handleWebSocket(b *binding) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := checkToken(c, b.cfg.AccessToken); err != nil {
			return err
		}
		group := m.tasks
		var self *onebot.Self
		if b.cfg.PerAccount {
			s := pathSelf(c)
			g, ok := m.accountGroup(s)
			if !ok {
				return echo.NewHTTPError(http.StatusNotFound, "unknown self")
			}
			group, self = g, &s
		}
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			m.logger.Warn("websocket upgrade failed", slog.Any("error", err))
			return nil
		}
		done := make(chan struct{})
		if !group.Go(func(ctx context.Context) {
			defer close(done)
			m.serveConn(ctx, ws, b, self)
		}) {
			_ = ws.Close()
			return nil
		}
		<-done
		return nil
	}
}

// runReverse keeps dialing the binding url until ctx is cancelled, waiting
// the reconnect interval after every failure or disconnect.
func (m *Manager) runReverse(ctx context.Context, b *binding, self *onebot.Self) {
	log := m.logger.With(slog.String("binding", b.name()), slog.String("url", b.cfg.URL))
	interval := max(b.cfg.ReconnectInterval, minReconnectInterval)
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	header.Set("Sec-WebSocket-Protocol", m.version.OneBotVersion+"."+m.version.Impl)
	if b.cfg.AccessToken != "" {
		header.Set(echo.HeaderAuthorization, "Bearer "+b.cfg.AccessToken)
	}
	if self != nil {
		header.Set("X-Platform", self.Platform)
		header.Set("X-Self-ID", self.UserID)
	}
	for {
		ws, resp, err := m.dialer.DialContext(ctx, b.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("reverse websocket dial failed", slog.Any("error", err), slog.Duration("retry_in", interval))
		} else {
			log.Info("reverse websocket connected")
			m.serveConn(ctx, ws, b, self)
			log.Info("reverse websocket closed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// serveConn runs one websocket subscriber: connect and status_update first,
// then a sender draining the connection's queue and a receiver answering
// action requests. It returns when the socket fails or ctx is cancelled.
func (m *Manager) serveConn(ctx context.Context, ws *websocket.Conn, b *binding, self *onebot.Self) {
	log := m.logger.With(slog.String("binding", b.name()), slog.String("remote", ws.RemoteAddr().String()))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	var writeMu sync.Mutex
	write := func(frameType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteMessage(frameType, data)
	}
	eventFrame := websocket.TextMessage
	if b.format == codec.Msgpack {
		eventFrame = websocket.BinaryMessage
	}

	queue := NewEventQueue(b.cfg.EventBufferSize, self)
	m.subscribe(queue)
	defer m.unsubscribe(queue)

	for _, ev := range []onebot.Event{onebot.ConnectEvent(m.version), onebot.StatusUpdateEvent(m.statusFor(self))} {
		data, err := codec.EncodeEvent(b.format, ev)
		if err == nil {
			err = write(eventFrame, data)
		}
		if err != nil {
			log.Warn("websocket handshake events failed", slog.Any("error", err))
			return
		}
	}
	if iv := b.cfg.HeartbeatInterval; iv > 0 {
		go heartbeat(ctx, queue, iv)
	}

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for {
			ev, err := queue.Pop(ctx)
			if err != nil {
				return
			}
			data, err := codec.EncodeEvent(b.format, ev)
			if err != nil {
				log.Error("encode event failed", slog.String("event", ev.ID), slog.Any("error", err))
				continue
			}
			if err := write(eventFrame, data); err != nil {
				log.Warn("websocket send failed", slog.Any("error", err))
				cancel()
				return
			}
		}
	}()

	for {
		frameType, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket receive failed", slog.Any("error", err))
			}
			break
		}
		format := codec.JSON
		if frameType == websocket.BinaryMessage {
			format = codec.Msgpack
		}
		var resp onebot.Response
		req, err := codec.DecodeRequest(format, data)
		if err != nil {
			resp = onebot.Failed(err)
		} else {
			if self != nil && req.Self == nil {
				req.Self = self
			}
			resp = m.CallAction(ctx, req, nil)
		}
		out, err := codec.EncodeResponse(format, resp)
		if err != nil {
			log.Error("encode response failed", slog.Any("error", err))
			continue
		}
		if err := write(frameType, out); err != nil {
			log.Warn("websocket reply failed", slog.Any("error", err))
			break
		}
	}
	cancel()
	<-senderDone
}

// statusFor is the status snapshot sent to a new subscriber.
func (m *Manager) statusFor(self *onebot.Self) onebot.Status {
	if self == nil {
		return m.Status()
	}
	_, online := m.Bot(*self)
	return onebot.Status{Good: true, Bots: []onebot.BotStatus{{Self: *self, Online: online}}}
}

// heartbeat queues a heartbeat meta event every interval.
func heartbeat(ctx context.Context, q *EventQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Push(onebot.HeartbeatEvent(interval))
		}
	}
}
