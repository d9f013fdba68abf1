// Package localfs implements blob.StorageProvider on a local directory.
// Keys are relative paths below the root; anything escaping it is rejected.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/memohai/all4one/internal/blob"
)

type Provider struct {
	root string
}

// New creates a provider rooted at dir, creating it if needed.
func New(dir string) (*Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Provider{root: abs}, nil
}

func (p *Provider) Root() string { return p.root }

// Put writes to a temp file and renames it into place so readers never see
// partial content.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(tmp.Name(), dest)
}

func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath returns the absolute host path for key, or "" for invalid keys.
func (p *Provider) AccessPath(key string) string {
	dest, err := p.hostPath(key)
	if err != nil {
		return ""
	}
	return dest
}

func (p *Provider) hostPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute key %s", blob.ErrPathTraversal, key)
	}
	if strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." || clean == "." {
		return "", fmt.Errorf("%w: %s", blob.ErrPathTraversal, key)
	}
	joined := filepath.Join(p.root, clean)
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes root", blob.ErrPathTraversal, key)
	}
	return joined, nil
}
