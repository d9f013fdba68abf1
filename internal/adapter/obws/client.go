// Package obws is a websocket RPC client for upstream OneBot implementations
// (v11 and v12). It keeps one connection alive, correlates action responses
// by echo and hands every other frame to an event callback.
package obws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/memohai/all4one/internal/onebot"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultReconnectInterval = 4 * time.Second
	minReconnectInterval     = 100 * time.Millisecond
	defaultCallTimeout       = 10 * time.Second
	defaultPingInterval      = 30 * time.Second
	eventBacklog             = 256
)

// ErrNotConnected is returned by Call while no upstream connection is open.
var ErrNotConnected = errors.New("upstream not connected")

type Options struct {
	URL               string
	AccessToken       string
	ReconnectInterval time.Duration
	CallTimeout       time.Duration
	PingInterval      time.Duration
	Dialer            *websocket.Dialer
}

// Handlers are the client callbacks. OnConnect runs after every successful
// dial; returning an error drops the connection and schedules a reconnect.
// OnEvent runs on a per-connection worker in arrival order, so a slow event
// never delays action responses.
type Handlers struct {
	OnConnect    func(ctx context.Context) error
	OnDisconnect func()
	OnEvent      func(ctx context.Context, frame map[string]any)
}

type Client struct {
	opts     Options
	handlers Handlers
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan map[string]any
	seq       atomic.Int64
}

func New(log *slog.Logger, opts Options, handlers Handlers) *Client {
	if log == nil {
		log = slog.Default()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.ReconnectInterval < minReconnectInterval {
		opts.ReconnectInterval = minReconnectInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 10 * time.Second
		opts.Dialer = &d
	}
	return &Client{
		opts:     opts,
		handlers: handlers,
		logger:   log.With(slog.String("upstream", opts.URL)),
		pending:  map[string]chan map[string]any{},
	}
}

// Connected reports whether an upstream connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("upstream connection lost", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("upstream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	events := make(chan map[string]any, eventBacklog)
	workerDone := make(chan struct{})
	go func() {
		c.eventLoop(sessionCtx, events)
		close(workerDone)
	}()
	done := make(chan error, 1)
	go func() { done <- c.readLoop(sessionCtx, conn, events) }()
	go c.pinger(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	connected := true
	if c.handlers.OnConnect != nil {
		if err := c.handlers.OnConnect(sessionCtx); err != nil {
			c.logger.Warn("upstream handshake failed", slog.Any("error", err))
			connected = false
			cancel()
		}
	}

	err = <-done
	cancel()
	<-workerDone
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.failPending()
	if connected && c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- map[string]any) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("upstream frame decode failed", slog.Any("error", err))
			continue
		}
		if echo, ok := frame["echo"]; ok && isResponse(frame) {
			c.resolve(onebot.AnyString(echo), frame)
			continue
		}
		if c.handlers.OnEvent == nil {
			continue
		}
		select {
		case events <- frame:
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.logger.Warn("upstream event backlog full, dropped event", slog.Int("backlog", cap(events)))
		}
	}
}

// eventLoop hands queued frames to OnEvent one at a time until ctx is done.
func (c *Client) eventLoop(ctx context.Context, events <-chan map[string]any) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-events:
			c.handlers.OnEvent(ctx, frame)
		}
	}
}

func isResponse(frame map[string]any) bool {
	_, hasStatus := frame["status"]
	_, hasRetcode := frame["retcode"]
	return hasStatus || hasRetcode
}

func (c *Client) resolve(echo string, frame map[string]any) {
	c.pendingMu.Lock()
	ch, ok := c.pending[echo]
	if ok {
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("upstream response without waiter", slog.String("echo", echo))
		return
	}
	ch <- frame
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
}

func (c *Client) pinger(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Call sends an action and waits for its response. A failed upstream response
// is returned as an *onebot.ActionError carrying the upstream retcode.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if params == nil {
		params = map[string]any{}
	}
	echo := "all4one-" + strconv.FormatInt(c.seq.Add(1), 10)
	ch := make(chan map[string]any, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(map[string]any{"action": action, "params": params, "echo": echo})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", action, err)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return responseData(frame)
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %s", action, c.opts.CallTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func responseData(frame map[string]any) (any, error) {
	status, _ := frame["status"].(string)
	retcode, _ := onebot.AnyInt(frame["retcode"])
	if status == onebot.StatusOK || (status == "" && retcode == 0) {
		return frame["data"], nil
	}
	msg := onebot.AnyString(frame["message"])
	if msg == "" {
		msg = onebot.AnyString(frame["wording"])
	}
	if msg == "" {
		msg = "upstream action failed"
	}
	return nil, &onebot.ActionError{Retcode: retcode, Message: msg, Data: frame["data"]}
}
