// Package console exposes the local terminal as a chat platform: each input
// line is a private message and send_message prints to the terminal.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

const (
	Type     adapter.Type = "console"
	Platform              = "console"
)

const (
	CredSelfID = "self_id"
	CredUserID = "user_id"
	CredPrompt = "prompt"
)

// Terminal is a line-oriented terminal. *readline.Instance satisfies it.
type Terminal interface {
	Readline() (string, error)
	io.Writer
	Close() error
}

// TerminalFactory opens a terminal with the given prompt.
type TerminalFactory func(prompt string) (Terminal, error)

func openReadline(prompt string) (Terminal, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

type Adapter struct {
	open   TerminalFactory
	logger *slog.Logger
}

// NewAdapter creates the console adapter. open may be nil to use readline.
func NewAdapter(log *slog.Logger, open TerminalFactory) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if open == nil {
		open = openReadline
	}
	return &Adapter{open: open, logger: log.With(slog.String("adapter", Type.String()))}
}

func (a *Adapter) Type() adapter.Type { return Type }

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Type: Type, DisplayName: "Console", Platform: Platform}
}

func (a *Adapter) Connect(ctx context.Context, cfg adapter.AccountConfig, sink adapter.Sink) (adapter.Connection, error) {
	selfID := cfg.Credential(CredSelfID)
	if selfID == "" {
		selfID = "console"
	}
	userID := cfg.Credential(CredUserID)
	if userID == "" {
		userID = "user"
	}
	prompt := cfg.Credential(CredPrompt)
	if prompt == "" {
		prompt = userID + "> "
	}
	term, err := a.open(prompt)
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	bot := NewBot(term, onebot.Self{Platform: Platform, UserID: selfID}, userID, a.logger.With(slog.String("account", cfg.ID)))
	sink.BotConnect(bot)

	done := make(chan struct{})
	var once sync.Once
	closeTerm := func() { once.Do(func() { _ = term.Close() }) }
	var conn *adapter.BaseConnection
	conn = adapter.NewConnection(cfg, func(stopCtx context.Context) error {
		closeTerm()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})
	go func() {
		defer close(done)
		bot.readLoop(ctx, sink)
		closeTerm()
		conn.MarkStopped()
		sink.BotDisconnect(bot)
	}()
	return conn, nil
}

type Bot struct {
	*adapter.BaseBot
	term   Terminal
	userID string
	seq    atomic.Int64
	outMu  sync.Mutex
}

func NewBot(term Terminal, self onebot.Self, userID string, log *slog.Logger) *Bot {
	b := &Bot{BaseBot: adapter.NewBaseBot(Type, self, nil, log), term: term, userID: userID}
	b.Handle("send_message", b.sendMessage).
		Handle("get_self_info", b.getSelfInfo).
		Handle("get_user_info", b.getUserInfo)
	return b
}

func (b *Bot) nextID() string {
	return strconv.FormatInt(b.seq.Add(1), 10)
}

func (b *Bot) readLoop(ctx context.Context, sink adapter.Sink) {
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := b.term.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			b.Logger().Warn("console read failed", slog.Any("error", err))
			return
		}
		if ev, ok := b.ToEvent(line); ok {
			sink.PushEvents(b, []onebot.Event{ev})
		}
	}
}

// ToEvent turns one input line into a private message event. Blank lines
// produce nothing.
func (b *Bot) ToEvent(line string) (onebot.Event, bool) {
	text := strings.TrimSpace(line)
	if text == "" {
		return onebot.Event{}, false
	}
	msg := onebot.Message{onebot.Text(text)}
	return onebot.Event{
		ID:         uuid.NewString(),
		Time:       onebot.Now(),
		Type:       onebot.EventMessage,
		DetailType: onebot.DetailPrivate,
		Self:       b.Self(),
		MessageID:  b.nextID(),
		Message:    msg,
		AltMessage: msg.AltText(),
		UserID:     b.userID,
	}, true
}

func (b *Bot) sendMessage(_ context.Context, params onebot.Params) (any, error) {
	req, err := adapter.BindSendMessage(params, onebot.DetailPrivate)
	if err != nil {
		return nil, err
	}
	b.outMu.Lock()
	_, err = fmt.Fprintf(b.term, "%s: %s\n", b.Self().UserID, req.Message.AltText())
	b.outMu.Unlock()
	if err != nil {
		return nil, err
	}
	return onebot.SentMessage(b.nextID(), onebot.Now()), nil
}

func (b *Bot) getSelfInfo(context.Context, onebot.Params) (any, error) {
	id := b.Self().UserID
	return map[string]any{"user_id": id, "user_name": id, "user_displayname": ""}, nil
}

func (b *Bot) getUserInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.UserRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID != b.userID {
		return nil, onebot.LogicError("user %s not found", p.UserID)
	}
	return map[string]any{"user_id": p.UserID, "user_name": p.UserID, "user_displayname": "", "user_remark": ""}, nil
}
