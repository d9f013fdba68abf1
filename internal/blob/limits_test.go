package blob

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBlobLimit(t *testing.T) {
	t.Parallel()
	s := &Service{opts: Options{MaxBytes: 5}}

	tests := []struct {
		name    string
		payload []byte
		tooBig  bool
	}{
		{name: "within limit", payload: []byte("hey")},
		{name: "exact limit", payload: []byte("12345")},
		{name: "over limit", payload: []byte("0123456789"), tooBig: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.readBlob(bytes.NewReader(tt.payload))
			if tt.tooBig {
				assert.ErrorIs(t, err, ErrFileTooLarge)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestFragmentCap(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	svc, err := NewService(nil, nil, Options{StagingDir: filepath.Join(root, "staging"), MaxBytes: 64, MaxFragmentBytes: 4})
	require.NoError(t, err)

	id, err := svc.PrepareFragmented("f", 8, "")
	require.NoError(t, err)
	assert.ErrorIs(t, svc.TransferFragment(id, 0, []byte("01234567")), ErrFileTooLarge)
	require.NoError(t, svc.TransferFragment(id, 0, []byte("0123")))
	require.NoError(t, svc.TransferFragment(id, 4, []byte("4567")))

	_, err = svc.ReadFragment(context.Background(), "missing", "", 0, 5)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = svc.PrepareFragmented("g", 65, "")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestFragmentCapDefaultsToMaxBytes(t *testing.T) {
	t.Parallel()
	svc, err := NewService(nil, nil, Options{MaxBytes: 1 << 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<10), svc.opts.MaxFragmentBytes)

	svc, err = NewService(nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBytes, svc.opts.MaxBytes)
	assert.Equal(t, DefaultMaxFragmentBytes, svc.opts.MaxFragmentBytes)
}
