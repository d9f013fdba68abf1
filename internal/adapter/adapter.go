// Package adapter defines the contract between platform adapters and the
// gateway: adapters turn native platform events into canonical events and
// canonical actions into platform API calls.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memohai/all4one/internal/onebot"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("account connection stop not supported")

// Type identifies an adapter in the registry and in account configs.
type Type string

func (t Type) String() string { return string(t) }

func normalizeType(raw string) Type {
	return Type(strings.ToLower(strings.TrimSpace(raw)))
}

// Descriptor holds read-only metadata for a registered adapter.
type Descriptor struct {
	Type        Type
	DisplayName string
	// Platform is the canonical platform tag carried in event self identities.
	// It may differ from Type when one adapter relays several platforms.
	Platform string
}

// Adapter is the base interface every platform adapter implements.
type Adapter interface {
	Type() Type
	Descriptor() Descriptor
}

// AccountConfig is one configured platform account.
type AccountConfig struct {
	ID          string
	Type        Type
	Disabled    bool
	Credentials map[string]string
	UpdatedAt   time.Time
}

// Credential returns a trimmed credential value.
func (c AccountConfig) Credential(key string) string {
	return strings.TrimSpace(c.Credentials[key])
}

// Receiver is an adapter that can start a long-lived platform connection.
type Receiver interface {
	Connect(ctx context.Context, cfg AccountConfig, sink Sink) (Connection, error)
}

// Sink receives bot lifecycle notifications and canonical events from adapters.
type Sink interface {
	BotConnect(bot Bot)
	BotDisconnect(bot Bot)
	PushEvents(bot Bot, events []onebot.Event)
}

// Bot is one connected platform account as seen by the gateway.
type Bot interface {
	Type() Type
	Self() onebot.Self
	SupportedActions() []string
	Dispatch(ctx context.Context, action string, params onebot.Params) (any, error)
}

// Connection represents an active, long-lived link to a platform account.
type Connection interface {
	AccountID() string
	AdapterType() Type
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	accountID   string
	adapterType Type
	stop        func(ctx context.Context) error
	running     atomic.Bool
	once        sync.Once
	stopErr     error
}

// NewConnection creates a BaseConnection for the given account and stop function.
func NewConnection(cfg AccountConfig, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		accountID:   cfg.ID,
		adapterType: cfg.Type,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

func (c *BaseConnection) AccountID() string { return c.accountID }

func (c *BaseConnection) AdapterType() Type { return c.adapterType }

// Stop gracefully shuts down the connection. Only the first call runs the
// stop function; later calls return its result.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.once.Do(func() {
		c.running.Store(false)
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

// MarkStopped records that the platform side ended the connection on its own.
func (c *BaseConnection) MarkStopped() {
	c.running.Store(false)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
