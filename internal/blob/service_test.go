package blob_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/blob/providers/localfs"
)

func newService(t *testing.T) (*blob.Service, string) {
	t.Helper()
	root := t.TempDir()
	provider, err := localfs.New(filepath.Join(root, "files"))
	require.NoError(t, err)
	svc, err := blob.NewService(nil, provider, blob.Options{
		IndexPath:  filepath.Join(root, "index.json"),
		StagingDir: filepath.Join(root, "staging"),
		MaxBytes:   1 << 20,
	})
	require.NoError(t, err)
	return svc, root
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestUploadDataAndGet(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	f, err := svc.Upload(ctx, blob.UploadInput{Type: blob.KindData, Name: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, digest([]byte("hello")), f.ID)
	assert.Equal(t, f.ID, f.SHA256)

	got, err := svc.Get(ctx, f.ID, "")
	require.NoError(t, err)
	data, err := svc.ReadAll(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.FileExists(t, svc.LocalPath(got))
}

func TestUploadRejectsWrongHash(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	_, err := svc.Upload(context.Background(), blob.UploadInput{Type: blob.KindData, Data: []byte("x"), SHA256: "00"})
	require.ErrorIs(t, err, blob.ErrHashMismatch)
}

func TestGetPrefersMatchingSource(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Upload(ctx, blob.UploadInput{Type: blob.KindData, Name: "tg.jpg", Data: []byte("same"), Src: "telegram", SrcID: "t1"})
	require.NoError(t, err)
	d, err := svc.Upload(ctx, blob.UploadInput{Type: blob.KindData, Name: "dc.jpg", Data: []byte("same"), Src: "discord", SrcID: "d1"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, d.ID, "discord")
	require.NoError(t, err)
	assert.Equal(t, "dc.jpg", got.Name)

	got, err = svc.Get(ctx, d.ID, "villa")
	require.NoError(t, err)
	assert.Equal(t, "tg.jpg", got.Name)

	_, err = svc.Get(ctx, digest([]byte("other")), "")
	require.ErrorIs(t, err, blob.ErrFileNotFound)
}

func TestUploadURLDownloadsOnceBySource(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Token") != "t" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	in := blob.UploadInput{Type: blob.KindURL, URL: srv.URL + "/photos/cat.png", Headers: map[string]string{"X-Token": "t"}, Src: "telegram", SrcID: "file-1"}
	f, err := svc.Upload(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", f.Name)
	assert.Equal(t, in.URL, f.URL)

	again, err := svc.Upload(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, int32(1), hits.Load())

	_, err = svc.Upload(ctx, blob.UploadInput{Type: blob.KindURL, URL: srv.URL + "/x"})
	require.ErrorIs(t, err, blob.ErrDownload)
}

func TestUploadPath(t *testing.T) {
	t.Parallel()
	svc, root := newService(t)

	p := filepath.Join(root, "local.bin")
	require.NoError(t, os.WriteFile(p, []byte{1, 2, 3}, 0o600))
	f, err := svc.Upload(context.Background(), blob.UploadInput{Type: blob.KindPath, Path: p})
	require.NoError(t, err)
	assert.Equal(t, "local.bin", f.Name)
	assert.Equal(t, int64(3), f.Size)

	_, err = svc.Upload(context.Background(), blob.UploadInput{Type: blob.KindPath, Path: filepath.Join(root, "missing")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIndexPersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	provider, err := localfs.New(filepath.Join(root, "files"))
	require.NoError(t, err)
	opts := blob.Options{IndexPath: filepath.Join(root, "index.json")}

	first, err := blob.NewService(nil, provider, opts)
	require.NoError(t, err)
	f, err := first.Upload(context.Background(), blob.UploadInput{Type: blob.KindData, Name: "n", Data: []byte("persist")})
	require.NoError(t, err)

	second, err := blob.NewService(nil, provider, opts)
	require.NoError(t, err)
	got, err := second.Get(context.Background(), f.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "n", got.Name)
}

func TestFragmentedUploadAndDownload(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	content := []byte("0123456789abcdef")

	id, err := svc.PrepareFragmented("frag.txt", int64(len(content)), "")
	require.NoError(t, err)
	require.NoError(t, svc.TransferFragment(id, 8, content[8:]))
	require.NoError(t, svc.TransferFragment(id, 0, content[:8]))
	require.Error(t, svc.TransferFragment(id, 12, content[:8]))

	f, err := svc.FinishFragmented(ctx, id, digest(content))
	require.NoError(t, err)
	assert.Equal(t, "frag.txt", f.Name)

	_, err = svc.FinishFragmented(ctx, id, digest(content))
	require.ErrorIs(t, err, blob.ErrUploadNotFound)

	info, err := svc.FragmentInfo(ctx, f.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.TotalSize)

	chunk, err := svc.ReadFragment(ctx, f.ID, "", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, content[10:], chunk)
}

func TestFinishFragmentedHashMismatch(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	id, err := svc.PrepareFragmented("x", 2, "")
	require.NoError(t, err)
	require.NoError(t, svc.TransferFragment(id, 0, []byte("ab")))
	_, err = svc.FinishFragmented(context.Background(), id, digest([]byte("zz")))
	require.ErrorIs(t, err, blob.ErrHashMismatch)
}
