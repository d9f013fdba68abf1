package localfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/memohai/all4one/internal/blob"
)

func TestProviderRoundTrip(t *testing.T) {
	t.Parallel()

	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()
	if err := p.Put(ctx, "ab/abcdef", bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := p.Open(ctx, "ab/abcdef")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "payload" {
		t.Fatalf("unexpected content %q", got)
	}
	if err := p.Delete(ctx, "ab/abcdef"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.Delete(ctx, "ab/abcdef"); err != nil {
		t.Fatalf("delete missing should be a no-op: %v", err)
	}
}

func TestProviderRejectsTraversal(t *testing.T) {
	t.Parallel()

	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	for _, key := range []string{"../escape", "/etc/passwd", "..", "a/../../b"} {
		if err := p.Put(context.Background(), key, bytes.NewReader(nil)); !errors.Is(err, blob.ErrPathTraversal) {
			t.Fatalf("key %q: expected traversal error, got %v", key, err)
		}
		if p.AccessPath(key) != "" {
			t.Fatalf("key %q: expected empty access path", key)
		}
	}
}
