package adapter

import (
	"context"
	"sort"

	"github.com/memohai/all4one/internal/onebot"
)

// Handler implements one action.
type Handler func(ctx context.Context, params onebot.Params) (any, error)

// ActionSet is the explicit capability table of a bot. It is filled while the
// bot is constructed and read-only afterwards.
type ActionSet struct {
	handlers map[string]Handler
	names    []string
}

func NewActionSet() *ActionSet {
	return &ActionSet{handlers: map[string]Handler{}}
}

// Handle declares an action. A later declaration of the same name overrides
// the earlier one.
func (s *ActionSet) Handle(name string, h Handler) *ActionSet {
	if name == "" || h == nil {
		return s
	}
	if _, exists := s.handlers[name]; !exists {
		s.names = append(s.names, name)
		sort.Strings(s.names)
	}
	s.handlers[name] = h
	return s
}

// Forward declares every name in names as handled by fn, unless already declared.
func (s *ActionSet) Forward(names []string, fn func(ctx context.Context, action string, params onebot.Params) (any, error)) *ActionSet {
	for _, name := range names {
		if _, exists := s.handlers[name]; exists {
			continue
		}
		action := name
		s.Handle(action, func(ctx context.Context, params onebot.Params) (any, error) {
			return fn(ctx, action, params)
		})
	}
	return s
}

func (s *ActionSet) Has(name string) bool {
	_, ok := s.handlers[name]
	return ok
}

// Names returns the declared action names, sorted.
func (s *ActionSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Dispatch runs the named action or fails with UnsupportedAction.
func (s *ActionSet) Dispatch(ctx context.Context, name string, params onebot.Params) (any, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, onebot.UnsupportedAction(name)
	}
	if params == nil {
		params = onebot.Params{}
	}
	return h(ctx, params)
}
