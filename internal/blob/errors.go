package blob

import "errors"

var (
	// ErrFileNotFound indicates the requested blob does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrProviderUnavailable indicates the storage provider is not configured.
	ErrProviderUnavailable = errors.New("storage provider unavailable")
	// ErrFileTooLarge indicates the payload exceeds the configured max size.
	ErrFileTooLarge = errors.New("file too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
	// ErrHashMismatch indicates the supplied sha256 does not match the content.
	ErrHashMismatch = errors.New("sha256 mismatch")
	// ErrUploadNotFound indicates an unknown fragmented upload id.
	ErrUploadNotFound = errors.New("fragmented upload not found")
	// ErrDownload wraps failures fetching url uploads.
	ErrDownload = errors.New("download failed")
)
