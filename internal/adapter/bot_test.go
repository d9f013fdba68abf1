package adapter_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/blob/providers/localfs"
	"github.com/memohai/all4one/internal/onebot"
)

func newTestBot(t *testing.T) *adapter.BaseBot {
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
	return adapter.NewBaseBot("test", onebot.Self{Platform: "test", UserID: "bot"}, svc, nil)
}

func retcode(t *testing.T, err error) int64 {
	t.Helper()
	var ae *onebot.ActionError
	require.True(t, errors.As(err, &ae), "expected ActionError, got %v", err)
	return ae.Retcode
}

func TestBaseBotSupportedActions(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t)

	want := []string{"get_file", "get_file_fragmented", "get_supported_actions", "upload_file", "upload_file_fragmented"}
	assert.Equal(t, want, bot.SupportedActions())
	got, err := bot.Dispatch(context.Background(), "get_supported_actions", nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBaseBotUploadThenGetData(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t)
	ctx := context.Background()

	res, err := bot.Dispatch(ctx, "upload_file", onebot.Params{"type": "data", "name": "a.txt", "data": "aGVsbG8="})
	require.NoError(t, err)
	fileID := res.(map[string]any)["file_id"].(string)
	require.NotEmpty(t, fileID)

	got, err := bot.Dispatch(ctx, "get_file", onebot.Params{"file_id": fileID, "type": "data"})
	require.NoError(t, err)
	out := got.(map[string]any)
	assert.Equal(t, "a.txt", out["name"])
	assert.Equal(t, []byte("hello"), out["data"])

	got, err = bot.Dispatch(ctx, "get_file", onebot.Params{"file_id": fileID, "type": "path"})
	require.NoError(t, err)
	assert.FileExists(t, got.(map[string]any)["path"].(string))
}

func TestBaseBotUploadValidation(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params onebot.Params
		msg    string
	}{
		{"bad type", onebot.Params{"type": "ftp"}, "type must be url, path or data"},
		{"missing url", onebot.Params{"type": "url"}, "url must be provided when type is url"},
		{"missing path", onebot.Params{"type": "path"}, "path must be provided when type is path"},
		{"missing data", onebot.Params{"type": "data"}, "data must be provided when type is data"},
		{"missing type", onebot.Params{}, "type is required"},
	}
	for _, tc := range cases {
		_, err := bot.Dispatch(ctx, "upload_file", tc.params)
		var ae *onebot.ActionError
		require.True(t, errors.As(err, &ae), tc.name)
		assert.Equal(t, onebot.RetBadParam, ae.Retcode, tc.name)
		assert.Equal(t, tc.msg, ae.Message, tc.name)
	}
}

func TestBaseBotGetMissingFile(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t)

	_, err := bot.Dispatch(context.Background(), "get_file", onebot.Params{"file_id": "nope", "type": "data"})
	assert.Equal(t, onebot.RetDatabaseError, retcode(t, err))
}

func TestBaseBotFragmentedRoundTrip(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t)
	ctx := context.Background()
	content := []byte("0123456789")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	res, err := bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "prepare", "name": "n.bin", "total_size": float64(len(content))})
	require.NoError(t, err)
	uploadID := res.(map[string]any)["file_id"].(string)

	_, err = bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "transfer", "file_id": uploadID, "offset": 5, "data": content[5:]})
	require.NoError(t, err)
	_, err = bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "transfer", "file_id": uploadID, "offset": 0, "data": content[:5]})
	require.NoError(t, err)
	res, err = bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "finish", "file_id": uploadID, "sha256": digest})
	require.NoError(t, err)
	fileID := res.(map[string]any)["file_id"].(string)
	assert.Equal(t, digest, fileID)

	res, err = bot.Dispatch(ctx, "get_file_fragmented", onebot.Params{"stage": "prepare", "file_id": fileID})
	require.NoError(t, err)
	info := res.(map[string]any)
	assert.Equal(t, int64(10), info["total_size"])
	assert.Equal(t, digest, info["sha256"])

	res, err = bot.Dispatch(ctx, "get_file_fragmented", onebot.Params{"stage": "transfer", "file_id": fileID, "offset": 8, "size": 4})
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), res.(map[string]any)["data"])
}

func TestBaseBotFragmentedHashMismatch(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t)
	ctx := context.Background()

	res, err := bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "prepare", "name": "n", "total_size": 2})
	require.NoError(t, err)
	uploadID := res.(map[string]any)["file_id"].(string)
	_, err = bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "transfer", "file_id": uploadID, "data": []byte("ab")})
	require.NoError(t, err)
	_, err = bot.Dispatch(ctx, "upload_file_fragmented", onebot.Params{"stage": "finish", "file_id": uploadID, "sha256": "00"})
	assert.Equal(t, onebot.RetLogicError, retcode(t, err))
}

func TestMapErrorWrapsPlatformFailures(t *testing.T) {
	t.Parallel()

	assert.Equal(t, onebot.RetPlatformError, adapter.MapError(errors.New("boom")).Retcode)
	assert.Equal(t, onebot.RetNetworkError, adapter.MapError(blob.ErrDownload).Retcode)
	assert.Equal(t, onebot.RetBadParam, adapter.MapError(onebot.BadParam("x")).Retcode)
}
