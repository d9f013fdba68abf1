package adapter

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/memohai/all4one/internal/onebot"
)

func TestActionSetNamesSortedAndStable(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, onebot.Params) (any, error) { return nil, nil }
	set := NewActionSet().
		Handle("send_message", noop).
		Handle("get_self_info", noop).
		Handle("delete_message", noop).
		Handle("send_message", noop)

	want := []string{"delete_message", "get_self_info", "send_message"}
	first := set.Names()
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("unexpected names: %v", first)
	}
	first[0] = "mutated"
	if got := set.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("names not stable across calls: %v", got)
	}
}

func TestActionSetDispatch(t *testing.T) {
	t.Parallel()

	set := NewActionSet().Handle("echo", func(_ context.Context, p onebot.Params) (any, error) {
		return p.String("v"), nil
	})
	got, err := set.Dispatch(context.Background(), "echo", onebot.Params{"v": 7})
	if err != nil || got != "7" {
		t.Fatalf("unexpected result: %v %v", got, err)
	}
	_, err = set.Dispatch(context.Background(), "missing", nil)
	var ae *onebot.ActionError
	if !errors.As(err, &ae) || ae.Retcode != onebot.RetUnsupportedAction {
		t.Fatalf("expected unsupported action, got %v", err)
	}
}

func TestActionSetForwardKeepsDeclared(t *testing.T) {
	t.Parallel()

	var forwarded []string
	set := NewActionSet().Handle("get_self_info", func(context.Context, onebot.Params) (any, error) {
		return "local", nil
	})
	set.Forward([]string{"get_self_info", "send_message"}, func(_ context.Context, action string, _ onebot.Params) (any, error) {
		forwarded = append(forwarded, action)
		return "remote", nil
	})

	got, _ := set.Dispatch(context.Background(), "get_self_info", nil)
	if got != "local" {
		t.Fatalf("forward overrode a declared action: %v", got)
	}
	got, _ = set.Dispatch(context.Background(), "send_message", nil)
	if got != "remote" || len(forwarded) != 1 || forwarded[0] != "send_message" {
		t.Fatalf("unexpected forward: %v %v", got, forwarded)
	}
}
