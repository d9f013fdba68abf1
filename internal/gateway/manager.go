// Package gateway multiplexes connected platform accounts over OneBot 12
// transport bindings: HTTP, HTTP webhook, websocket server and reverse
// websocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/codec"
	"github.com/memohai/all4one/internal/config"
	"github.com/memohai/all4one/internal/onebot"
	"github.com/memohai/all4one/internal/version"
)

// Actions answered by the manager itself.
const (
	ActionGetLatestEvents     = "get_latest_events"
	ActionGetStatus           = "get_status"
	ActionGetVersion          = "get_version"
	ActionGetSupportedActions = "get_supported_actions"
)

var managerActions = []string{ActionGetLatestEvents, ActionGetStatus, ActionGetVersion, ActionGetSupportedActions}

const (
	minReconnectInterval = 100 * time.Millisecond
	disconnectTimeout    = 5 * time.Second

	// DefaultMaxRequestBytes caps an http action request body.
	DefaultMaxRequestBytes int64 = 128 << 20
)

type Options struct {
	Impl        config.ImplConfig
	Connections []config.ConnectionConfig
	// Dialer is used by reverse websocket bindings. Nil means a copy of
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// MaxRequestBytes caps http action bodies; larger ones get 413.
	MaxRequestBytes int64
}

// binding is one configured connection.
type binding struct {
	index  int
	cfg    config.ConnectionConfig
	format codec.Format
	// queue buffers events for a shared http binding with events enabled.
	queue *EventQueue
	// accountQueues holds per-account http queues, guarded by Manager.mu.
	accountQueues map[onebot.Self]*EventQueue
}

func (b *binding) name() string {
	return fmt.Sprintf("%s#%d", b.cfg.Type, b.index)
}

// Manager owns the connected bots, the event queues of every subscriber and
// the background tasks of the bindings. It implements adapter.Sink.
type Manager struct {
	version  onebot.Version
	bindings []*binding
	dialer   *websocket.Dialer
	logger   *slog.Logger
	maxBody  int64

	mu       sync.RWMutex
	bots     map[onebot.Self]adapter.Bot
	queues   map[*EventQueue]struct{}
	accounts map[onebot.Self]*taskGroup

	tasks   *taskGroup
	started bool
}

func NewManager(log *slog.Logger, opts Options) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 30 * time.Second
		opts.Dialer = &d
	}
	m := &Manager{
		version: onebot.Version{
			Impl:          opts.Impl.Name,
			Version:       version.Version,
			OneBotVersion: opts.Impl.OneBotVersion,
		},
		dialer:   opts.Dialer,
		maxBody:  opts.MaxRequestBytes,
		logger:   log.With(slog.String("component", "gateway")),
		bots:     make(map[onebot.Self]adapter.Bot),
		queues:   make(map[*EventQueue]struct{}),
		accounts: make(map[onebot.Self]*taskGroup),
		tasks:    newTaskGroup(context.Background()),
	}
	routes := make(map[string]string)
	for i, cfg := range opts.Connections {
		b := &binding{index: i, cfg: cfg, format: codec.FormatFor(cfg.UseMsgpack)}
		switch cfg.Type {
		case config.BindingHTTP, config.BindingWebSocket:
			key := cfg.Type + " " + cfg.Path
			if prev, ok := routes[key]; ok {
				return nil, fmt.Errorf("connection %d: path %q already used by %s", i, cfg.Path+"/", prev)
			}
			routes[key] = b.name()
		case config.BindingHTTPWebhook, config.BindingWebSocketRev:
			if cfg.URL == "" {
				return nil, fmt.Errorf("connection %d: url is required for %s", i, cfg.Type)
			}
		default:
			return nil, fmt.Errorf("connection %d: unknown type %q", i, cfg.Type)
		}
		if cfg.Type == config.BindingHTTP && cfg.EventEnabled {
			if cfg.PerAccount {
				b.accountQueues = make(map[onebot.Self]*EventQueue)
			} else {
				b.queue = NewEventQueue(cfg.EventBufferSize, nil)
				m.queues[b.queue] = struct{}{}
			}
		}
		m.bindings = append(m.bindings, b)
	}
	return m, nil
}

// Version returns the implementation version reported to subscribers.
func (m *Manager) Version() onebot.Version { return m.version }

// Start launches the shared webhook and reverse websocket loops.
func (m *Manager) Start(context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()
	for _, b := range m.bindings {
		if b.cfg.PerAccount {
			continue
		}
		m.startLoop(m.tasks, b, nil)
	}
	m.logger.Info("gateway start", slog.Int("bindings", len(m.bindings)))
	return nil
}

// Stop cancels every background task and waits for them until ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	groups := make([]*taskGroup, 0, len(m.accounts)+1)
	for self, g := range m.accounts {
		groups = append(groups, g)
		delete(m.accounts, self)
	}
	groups = append(groups, m.tasks)
	m.mu.Unlock()

	var firstErr error
	for _, g := range groups {
		if err := g.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Info("gateway stop")
	return firstErr
}

func (m *Manager) startLoop(g *taskGroup, b *binding, self *onebot.Self) {
	switch b.cfg.Type {
	case config.BindingHTTPWebhook:
		g.Go(func(ctx context.Context) { m.runWebhook(ctx, b, self) })
	case config.BindingWebSocketRev:
		g.Go(func(ctx context.Context) { m.runReverse(ctx, b, self) })
	}
}

// BotConnect registers bot, announces it online and starts its per-account
// bindings.
func (m *Manager) BotConnect(bot adapter.Bot) {
	self := bot.Self()
	group := newTaskGroup(m.tasks.ctx)

	m.mu.Lock()
	old := m.accounts[self]
	m.bots[self] = bot
	m.accounts[self] = group
	for _, b := range m.bindings {
		if b.accountQueues != nil {
			if prev, ok := b.accountQueues[self]; ok {
				delete(m.queues, prev)
			}
			q := NewEventQueue(b.cfg.EventBufferSize, &self)
			b.accountQueues[self] = q
			m.queues[q] = struct{}{}
		}
	}
	m.mu.Unlock()
	if old != nil {
		m.stopGroup(old)
	}

	m.logger.Info("bot connect", slog.String("self", self.String()), slog.String("adapter", bot.Type().String()))
	m.broadcast(onebot.StatusUpdateEvent(onebot.Status{Good: true, Bots: []onebot.BotStatus{{Self: self, Online: true}}}))
	for _, b := range m.bindings {
		if b.cfg.PerAccount {
			m.startLoop(group, b, &self)
		}
	}
}

// BotDisconnect announces bot offline, then cancels and awaits the tasks
// started for it.
func (m *Manager) BotDisconnect(bot adapter.Bot) {
	self := bot.Self()
	m.mu.Lock()
	if cur, ok := m.bots[self]; !ok || cur != bot {
		m.mu.Unlock()
		return
	}
	delete(m.bots, self)
	group := m.accounts[self]
	delete(m.accounts, self)
	for _, b := range m.bindings {
		if q, ok := b.accountQueues[self]; ok {
			delete(b.accountQueues, self)
			delete(m.queues, q)
		}
	}
	m.mu.Unlock()

	m.logger.Info("bot disconnect", slog.String("self", self.String()))
	m.broadcast(onebot.StatusUpdateEvent(onebot.Status{Good: true, Bots: []onebot.BotStatus{{Self: self, Online: false}}}))
	if group != nil {
		m.stopGroup(group)
	}
}

func (m *Manager) stopGroup(g *taskGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		m.logger.Warn("account tasks did not stop in time", slog.Any("error", err))
	}
}

// PushEvents fans events out to every subscribed queue.
func (m *Manager) PushEvents(bot adapter.Bot, events []onebot.Event) {
	self := bot.Self()
	for _, ev := range events {
		if ev.Self.IsZero() {
			ev.Self = self
		}
		m.broadcast(ev)
	}
}

func (m *Manager) broadcast(ev onebot.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for q := range m.queues {
		if !q.Accepts(ev) {
			continue
		}
		if q.Push(ev) {
			m.logger.Debug("event queue full, dropped oldest event")
		}
	}
}

func (m *Manager) subscribe(q *EventQueue) {
	m.mu.Lock()
	m.queues[q] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unsubscribe(q *EventQueue) {
	m.mu.Lock()
	delete(m.queues, q)
	m.mu.Unlock()
}

// Bot returns the connected bot for self.
func (m *Manager) Bot(self onebot.Self) (adapter.Bot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[self]
	return b, ok
}

// Bots lists connected accounts in a stable order.
func (m *Manager) Bots() []onebot.Self {
	m.mu.RLock()
	out := make([]onebot.Self, 0, len(m.bots))
	for self := range m.bots {
		out = append(out, self)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Status is the get_status payload: every connected bot is online.
func (m *Manager) Status() onebot.Status {
	selves := m.Bots()
	st := onebot.Status{Good: true, Bots: make([]onebot.BotStatus, 0, len(selves))}
	for _, self := range selves {
		st.Bots = append(st.Bots, onebot.BotStatus{Self: self, Online: true})
	}
	return st
}

func (m *Manager) accountQueue(b *binding, self onebot.Self) *EventQueue {
	if b.accountQueues == nil {
		return b.queue
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return b.accountQueues[self]
}

func (m *Manager) accountGroup(self onebot.Self) (*taskGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.accounts[self]
	return g, ok
}

// taskGroup tracks background tasks sharing one cancellable context.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	g      errgroup.Group
}

func newTaskGroup(parent context.Context) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{ctx: ctx, cancel: cancel}
}

// Go runs fn in the group. It reports false once the group is stopping.
func (t *taskGroup) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.g.Go(func() error {
		fn(t.ctx)
		return nil
	})
	return true
}

// Stop cancels the group and waits for its tasks until ctx expires.
func (t *taskGroup) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	done := make(chan struct{})
	go func() {
		_ = t.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
