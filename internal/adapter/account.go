package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// AccountLister lists configured platform accounts for periodic refresh.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]AccountConfig, error)
}

// StaticAccounts is an AccountLister over a fixed list.
type StaticAccounts []AccountConfig

func (s StaticAccounts) ListAccounts(context.Context) ([]AccountConfig, error) {
	out := make([]AccountConfig, len(s))
	copy(out, s)
	return out, nil
}

// ConnectionStatus describes runtime status for one configured account.
type ConnectionStatus struct {
	AccountID   string    `json:"account_id"`
	AdapterType Type      `json:"adapter_type"`
	Running     bool      `json:"running"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type accountEntry struct {
	config     AccountConfig
	connection Connection
}

// AccountManager starts one platform connection per enabled account and keeps
// them running. Failed or stopped accounts are retried on every refresh tick.
type AccountManager struct {
	registry        *Registry
	accounts        AccountLister
	sink            Sink
	refreshInterval time.Duration
	logger          *slog.Logger

	mu             sync.Mutex
	refreshMu      sync.Mutex
	connections    map[string]*accountEntry
	connectionMeta map[string]ConnectionStatus
}

// NewAccountManager creates an AccountManager. Events from every started
// connection flow into sink.
func NewAccountManager(log *slog.Logger, registry *Registry, accounts AccountLister, sink Sink, refreshInterval time.Duration) *AccountManager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &AccountManager{
		registry:        registry,
		accounts:        accounts,
		sink:            sink,
		refreshInterval: refreshInterval,
		logger:          log.With(slog.String("component", "accounts")),
		connections:     map[string]*accountEntry{},
		connectionMeta:  map[string]ConnectionStatus{},
	}
}

// Registry returns the adapter registry used by this manager.
func (m *AccountManager) Registry() *Registry {
	return m.registry
}

// Start performs an initial refresh and then refreshes periodically until ctx
// is cancelled.
func (m *AccountManager) Start(ctx context.Context) {
	m.logger.Info("account manager start")
	go func() {
		m.Refresh(ctx)
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("account manager stop")
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}()
}

// Refresh reconciles running connections against the configured accounts.
func (m *AccountManager) Refresh(ctx context.Context) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.accounts == nil {
		return
	}
	items, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		m.logger.Error("list accounts failed", slog.Any("error", err))
		return
	}
	m.reconcile(ctx, items)
}

func (m *AccountManager) reconcile(ctx context.Context, configs []AccountConfig) {
	active := map[string]AccountConfig{}
	for _, cfg := range configs {
		cfg.Type = normalizeType(cfg.Type.String())
		if cfg.ID == "" || cfg.Disabled {
			continue
		}
		active[cfg.ID] = cfg
		if err := m.ensureConnection(ctx, cfg); err != nil {
			m.markConnectionStatus(cfg, false, err)
			m.logger.Error(
				"adapter start failed",
				slog.String("account", cfg.ID),
				slog.String("adapter", cfg.Type.String()),
				slog.Any("error", err),
			)
		}
	}

	m.mu.Lock()
	var stale []*accountEntry
	for id, entry := range m.connections {
		if _, ok := active[id]; ok {
			continue
		}
		stale = append(stale, entry)
		delete(m.connections, id)
	}
	for id := range m.connectionMeta {
		if _, ok := active[id]; !ok {
			delete(m.connectionMeta, id)
		}
	}
	m.mu.Unlock()
	for _, entry := range stale {
		m.stopEntry(ctx, entry, "adapter stop")
	}
}

func (m *AccountManager) ensureConnection(ctx context.Context, cfg AccountConfig) error {
	receiver, ok := m.registry.GetReceiver(cfg.Type)
	if !ok {
		m.markConnectionStatus(cfg, false, fmt.Errorf("adapter %q not available", cfg.Type))
		return nil
	}

	m.mu.Lock()
	entry := m.connections[cfg.ID]
	if entry != nil && entry.connection != nil && entry.connection.Running() && !entry.config.UpdatedAt.Before(cfg.UpdatedAt) {
		m.setConnectionStatusLocked(entry.config, true, nil)
		m.mu.Unlock()
		return nil
	}
	if entry != nil {
		delete(m.connections, cfg.ID)
	}
	m.mu.Unlock()

	if entry != nil {
		m.stopEntry(ctx, entry, "adapter restart")
	}

	m.logger.Info("adapter start", slog.String("account", cfg.ID), slog.String("adapter", cfg.Type.String()))
	// Account connections outlive the refresh call that started them.
	conn, err := receiver.Connect(context.WithoutCancel(ctx), cfg, m.sink)
	if err != nil {
		m.markConnectionStatus(cfg, false, err)
		return err
	}

	m.mu.Lock()
	if existing, ok := m.connections[cfg.ID]; ok && existing != nil {
		m.setConnectionStatusLocked(existing.config, existing.connection.Running(), nil)
		m.mu.Unlock()
		_ = conn.Stop(context.Background())
		return nil
	}
	m.connections[cfg.ID] = &accountEntry{config: cfg, connection: conn}
	m.setConnectionStatusLocked(cfg, true, nil)
	m.mu.Unlock()
	return nil
}

func (m *AccountManager) stopEntry(ctx context.Context, entry *accountEntry, msg string) {
	if entry == nil || entry.connection == nil {
		return
	}
	m.logger.Info(msg, slog.String("account", entry.config.ID), slog.String("adapter", entry.config.Type.String()))
	if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
		m.logger.Warn(
			"adapter stop failed",
			slog.String("account", entry.config.ID),
			slog.String("adapter", entry.config.Type.String()),
			slog.Any("error", err),
		)
	}
}

// Shutdown stops all active connections.
func (m *AccountManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*accountEntry, 0, len(m.connections))
	for id, entry := range m.connections {
		entries = append(entries, entry)
		delete(m.connections, id)
	}
	m.mu.Unlock()
	for _, entry := range entries {
		m.stopEntry(ctx, entry, "adapter stop")
		m.markConnectionStatus(entry.config, false, nil)
	}
	return nil
}

// ConnectionStatuses returns the observed status of every account.
func (m *AccountManager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for _, status := range m.connectionMeta {
		if entry, ok := m.connections[status.AccountID]; ok && entry.connection != nil {
			status.Running = entry.connection.Running()
		}
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AccountID < items[j].AccountID
	})
	return items
}

func (m *AccountManager) markConnectionStatus(cfg AccountConfig, running bool, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConnectionStatusLocked(cfg, running, checkErr)
}

func (m *AccountManager) setConnectionStatusLocked(cfg AccountConfig, running bool, checkErr error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return
	}
	previous, hasPrevious := m.connectionMeta[cfg.ID]
	status := ConnectionStatus{
		AccountID:   cfg.ID,
		AdapterType: cfg.Type,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	m.connectionMeta[cfg.ID] = status
	if checkErr != nil && (!hasPrevious || previous.LastError != status.LastError || previous.Running != status.Running) {
		m.logger.Warn(
			"connection health check failed",
			slog.String("account", cfg.ID),
			slog.String("adapter", cfg.Type.String()),
			slog.Any("error", checkErr),
		)
	}
	if running && hasPrevious && strings.TrimSpace(previous.LastError) != "" {
		m.logger.Info(
			"connection health recovered",
			slog.String("account", cfg.ID),
			slog.String("adapter", cfg.Type.String()),
		)
	}
}
