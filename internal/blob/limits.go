package blob

import (
	"fmt"
	"io"
	"os"
)

// Size limits of the store. A fragment is one chunk moved by
// upload_file_fragmented transfer or get_file_fragmented read.
const (
	DefaultMaxBytes         int64 = 64 << 20
	DefaultMaxFragmentBytes int64 = 16 << 20
)

func tooLarge(what string, limit int64) error {
	return fmt.Errorf("%w: %s over %d bytes", ErrFileTooLarge, what, limit)
}

// checkSize rejects a blob of n bytes larger than the store accepts.
func (s *Service) checkSize(n int64) error {
	if n > s.opts.MaxBytes {
		return tooLarge("file", s.opts.MaxBytes)
	}
	return nil
}

// checkFragment rejects one chunk larger than the fragment cap.
func (s *Service) checkFragment(n int64) error {
	if n > s.opts.MaxFragmentBytes {
		return tooLarge("fragment", s.opts.MaxFragmentBytes)
	}
	return nil
}

// readBlob reads a whole blob from r, failing once it passes the store limit
// rather than buffering the remainder.
func (s *Service) readBlob(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.opts.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if err := s.checkSize(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Service) readBlobFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.readBlob(f)
}
