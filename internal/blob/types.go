package blob

import (
	"context"
	"io"
	"time"
)

// Kind selects how upload content is supplied and how get returns it.
type Kind string

const (
	KindURL  Kind = "url"
	KindPath Kind = "path"
	KindData Kind = "data"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindURL, KindPath, KindData:
		return Kind(s), true
	}
	return "", false
}

// File is the metadata record of a stored blob. ID is the sha256 hex digest of
// the content; Src tags the origin so identical platform ids from different
// platforms stay apart.
type File struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Src        string            `json:"src,omitempty"`
	SrcID      string            `json:"src_id,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	SHA256     string            `json:"sha256"`
	Size       int64             `json:"size"`
	StorageKey string            `json:"storage_key"`
	CreatedAt  time.Time         `json:"created_at"`
}

// UploadInput carries exactly one content source chosen by Type.
type UploadInput struct {
	Type    Kind
	Name    string
	URL     string
	Headers map[string]string
	Path    string
	Data    []byte
	// SHA256 is optional; when set it must match the content.
	SHA256 string
	Src    string
	SrcID  string
}

// FragmentInfo describes a file for fragmented download.
type FragmentInfo struct {
	Name      string `json:"name"`
	TotalSize int64  `json:"total_size"`
	SHA256    string `json:"sha256"`
}

// StorageProvider abstracts object storage operations.
type StorageProvider interface {
	// Put writes data to storage under the given key.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Open returns a reader for the given storage key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
	// AccessPath returns a local filesystem path for a storage key.
	AccessPath(key string) string
}
