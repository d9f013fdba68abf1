package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type fragmentUpload struct {
	name      string
	totalSize int64
	path      string
	src       string
}

// PrepareFragmented starts a fragmented upload and returns its upload id.
func (s *Service) PrepareFragmented(name string, totalSize int64, src string) (string, error) {
	if totalSize <= 0 {
		return "", fmt.Errorf("total_size must be positive")
	}
	if err := s.checkSize(totalSize); err != nil {
		return "", err
	}
	dir := s.stagingDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	id := uuid.NewString()
	p := filepath.Join(dir, id)
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if err := f.Truncate(totalSize); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return "", fmt.Errorf("allocate staging file: %w", err)
	}
	_ = f.Close()

	s.mu.Lock()
	s.fragments[id] = &fragmentUpload{name: name, totalSize: totalSize, path: p, src: src}
	s.mu.Unlock()
	return id, nil
}

// TransferFragment writes one chunk at offset.
func (s *Service) TransferFragment(uploadID string, offset int64, data []byte) error {
	if err := s.checkFragment(int64(len(data))); err != nil {
		return err
	}
	frag, err := s.fragment(uploadID)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(data)) > frag.totalSize {
		return fmt.Errorf("fragment [%d, %d) exceeds total size %d", offset, offset+int64(len(data)), frag.totalSize)
	}
	f, err := os.OpenFile(frag.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	return nil
}

// FinishFragmented verifies the assembled content against sha256 and commits it.
func (s *Service) FinishFragmented(ctx context.Context, uploadID, digest string) (File, error) {
	frag, err := s.fragment(uploadID)
	if err != nil {
		return File{}, err
	}
	data, err := s.readBlobFile(frag.path)
	if err != nil {
		return File{}, err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, digest) {
		return File{}, fmt.Errorf("%w: got %s", ErrHashMismatch, got)
	}
	f, err := s.store(ctx, UploadInput{Type: KindData, Name: frag.name, SHA256: digest, Src: frag.src}, data)
	if err != nil {
		return File{}, err
	}
	s.mu.Lock()
	delete(s.fragments, uploadID)
	s.mu.Unlock()
	_ = os.Remove(frag.path)
	return f, nil
}

// FragmentInfo returns the metadata needed to download a file in chunks.
func (s *Service) FragmentInfo(ctx context.Context, id, src string) (FragmentInfo, error) {
	f, err := s.Get(ctx, id, src)
	if err != nil {
		return FragmentInfo{}, err
	}
	return FragmentInfo{Name: f.Name, TotalSize: f.Size, SHA256: f.SHA256}, nil
}

// ReadFragment returns up to size bytes starting at offset.
func (s *Service) ReadFragment(ctx context.Context, id, src string, offset, size int64) ([]byte, error) {
	if err := s.checkFragment(size); err != nil {
		return nil, err
	}
	f, err := s.Get(ctx, id, src)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size <= 0 || offset >= f.Size && f.Size > 0 {
		return nil, fmt.Errorf("invalid range offset=%d size=%d", offset, size)
	}
	rc, err := s.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if seeker, ok := rc.(io.Seeker); ok {
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		return nil, err
	}
	if remaining := f.Size - offset; size > remaining {
		size = remaining
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

func (s *Service) fragment(id string) (*fragmentUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frag, ok := s.fragments[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return frag, nil
}

func (s *Service) stagingDir() string {
	if s.opts.StagingDir != "" {
		return s.opts.StagingDir
	}
	return filepath.Join(os.TempDir(), "all4one-staging")
}
