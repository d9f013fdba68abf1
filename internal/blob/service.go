// Package blob is the content-addressed file store behind upload_file and
// get_file. Content is keyed by its sha256 digest; metadata records keep the
// origin tag (src, src_id) of platform attachments.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Options struct {
	// IndexPath is the JSON metadata index. Empty keeps metadata in memory.
	IndexPath string
	// StagingDir holds in-progress fragmented uploads.
	StagingDir       string
	MaxBytes         int64
	MaxFragmentBytes int64
	DownloadTimeout  time.Duration
	HTTPClient       *http.Client
}

// Service stores blobs through a StorageProvider and keeps their metadata.
type Service struct {
	provider StorageProvider
	logger   *slog.Logger
	opts     Options
	client   *http.Client

	mu        sync.RWMutex
	files     []File
	fragments map[string]*fragmentUpload
}

// NewService creates a blob service and loads the existing index, if any.
func NewService(log *slog.Logger, provider StorageProvider, opts Options) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxFragmentBytes <= 0 {
		opts.MaxFragmentBytes = min(DefaultMaxFragmentBytes, opts.MaxBytes)
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.DownloadTimeout}
	}
	s := &Service{
		provider:  provider,
		logger:    log.With(slog.String("service", "blob")),
		opts:      opts,
		client:    client,
		fragments: make(map[string]*fragmentUpload),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upload stores content from exactly one source and returns its record. An
// upload whose (src, src_id) is already known returns the existing record
// without fetching again.
func (s *Service) Upload(ctx context.Context, in UploadInput) (File, error) {
	if s.provider == nil {
		return File{}, ErrProviderUnavailable
	}
	if in.Src != "" && in.SrcID != "" {
		if f, ok := s.findBySource(in.Src, in.SrcID); ok {
			return f, nil
		}
	}

	var (
		data []byte
		err  error
	)
	switch in.Type {
	case KindURL:
		if strings.TrimSpace(in.URL) == "" {
			return File{}, fmt.Errorf("url is required")
		}
		data, err = s.download(ctx, in.URL, in.Headers)
		if in.Name == "" {
			in.Name = nameFromURL(in.URL)
		}
	case KindPath:
		if strings.TrimSpace(in.Path) == "" {
			return File{}, fmt.Errorf("path is required")
		}
		data, err = s.readBlobFile(in.Path)
		if in.Name == "" {
			in.Name = filepath.Base(in.Path)
		}
	case KindData:
		err = s.checkSize(int64(len(in.Data)))
		data = in.Data
	default:
		return File{}, fmt.Errorf("unsupported upload type %q", in.Type)
	}
	if err != nil {
		return File{}, err
	}
	return s.store(ctx, in, data)
}

func (s *Service) store(ctx context.Context, in UploadInput, data []byte) (File, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if in.SHA256 != "" && !strings.EqualFold(in.SHA256, digest) {
		return File{}, fmt.Errorf("%w: got %s", ErrHashMismatch, digest)
	}

	key := storageKey(digest)
	if !s.hasContent(digest) {
		if err := s.provider.Put(ctx, key, bytes.NewReader(data)); err != nil {
			return File{}, fmt.Errorf("store blob: %w", err)
		}
	}

	f := File{
		ID:         digest,
		Name:       in.Name,
		Src:        in.Src,
		SrcID:      in.SrcID,
		URL:        in.URL,
		Headers:    in.Headers,
		SHA256:     digest,
		Size:       int64(len(data)),
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if in.Type != KindURL {
		f.URL = ""
		f.Headers = nil
	}

	s.mu.Lock()
	s.files = upsert(s.files, f)
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return File{}, err
	}
	s.logger.Debug("blob stored", slog.String("sha256", digest), slog.String("src", in.Src), slog.Int64("size", f.Size))
	return f, nil
}

// Get resolves a file id. A record matching both id and src wins; otherwise
// any record with the id is returned.
func (s *Service) Get(_ context.Context, id, src string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback *File
	for i := range s.files {
		f := &s.files[i]
		if f.ID != id {
			continue
		}
		if src == "" || f.Src == src {
			return *f, nil
		}
		if fallback == nil {
			fallback = f
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return File{}, ErrFileNotFound
}

// Open returns a reader over the stored content.
func (s *Service) Open(ctx context.Context, f File) (io.ReadCloser, error) {
	if s.provider == nil {
		return nil, ErrProviderUnavailable
	}
	rc, err := s.provider.Open(ctx, f.StorageKey)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return rc, nil
}

func (s *Service) ReadAll(ctx context.Context, f File) ([]byte, error) {
	rc, err := s.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return s.readBlob(rc)
}

// LocalPath returns the filesystem path of the stored content.
func (s *Service) LocalPath(f File) string {
	if s.provider == nil {
		return ""
	}
	return s.provider.AccessPath(f.StorageKey)
}

// Files lists stored records, newest last.
func (s *Service) Files() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]File, len(s.files))
	copy(out, s.files)
	return out
}

func (s *Service) findBySource(src, srcID string) (File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.files {
		if f.Src == src && f.SrcID == srcID {
			return f, true
		}
	}
	return File{}, false
}

func (s *Service) hasContent(digest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.files {
		if f.ID == digest {
			return true
		}
	}
	return false
}

func (s *Service) download(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}
	return s.readBlob(resp.Body)
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func storageKey(digest string) string {
	return path.Join(digest[:2], digest)
}

// upsert replaces the record with the same (id, src, src_id) or appends.
func upsert(files []File, f File) []File {
	for i := range files {
		if files[i].ID == f.ID && files[i].Src == f.Src && files[i].SrcID == f.SrcID {
			files[i] = f
			return files
		}
	}
	return append(files, f)
}

func (s *Service) loadIndex() error {
	if s.opts.IndexPath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.opts.IndexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read blob index: %w", err)
	}
	var files []File
	if err := json.Unmarshal(raw, &files); err != nil {
		return fmt.Errorf("decode blob index: %w", err)
	}
	s.files = files
	return nil
}

func (s *Service) saveIndexLocked() error {
	if s.opts.IndexPath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.files, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blob index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.IndexPath), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := s.opts.IndexPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write blob index: %w", err)
	}
	return os.Rename(tmp, s.opts.IndexPath)
}
