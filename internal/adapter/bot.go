package adapter

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/onebot"
)

// FileStore is the blob store as seen by bots. *blob.Service satisfies it.
type FileStore interface {
	Upload(ctx context.Context, in blob.UploadInput) (blob.File, error)
	Get(ctx context.Context, id, src string) (blob.File, error)
	ReadAll(ctx context.Context, f blob.File) ([]byte, error)
	LocalPath(f blob.File) string
	PrepareFragmented(name string, totalSize int64, src string) (string, error)
	TransferFragment(uploadID string, offset int64, data []byte) error
	FinishFragmented(ctx context.Context, uploadID, digest string) (blob.File, error)
	FragmentInfo(ctx context.Context, id, src string) (blob.FragmentInfo, error)
	ReadFragment(ctx context.Context, id, src string, offset, size int64) ([]byte, error)
}

// BaseBot carries what every bot shares: identity, the capability table
// pre-filled with the file actions, and error mapping at the dispatch edge.
// Platform bots embed it and declare their own actions on it.
type BaseBot struct {
	*ActionSet
	adapterType Type
	self        onebot.Self
	files       FileStore
	logger      *slog.Logger
}

// NewBaseBot creates a bot base. files may be nil, in which case the file
// actions are not declared.
func NewBaseBot(t Type, self onebot.Self, files FileStore, log *slog.Logger) *BaseBot {
	if log == nil {
		log = slog.Default()
	}
	b := &BaseBot{
		ActionSet:   NewActionSet(),
		adapterType: t,
		self:        self,
		files:       files,
		logger:      log.With(slog.String("bot", self.String())),
	}
	b.Handle("get_supported_actions", func(context.Context, onebot.Params) (any, error) {
		return b.Names(), nil
	})
	if files != nil {
		b.Handle("upload_file", b.uploadFile)
		b.Handle("get_file", b.getFile)
		b.Handle("upload_file_fragmented", b.uploadFileFragmented)
		b.Handle("get_file_fragmented", b.getFileFragmented)
	}
	return b
}

func (b *BaseBot) Type() Type { return b.adapterType }

func (b *BaseBot) Self() onebot.Self { return b.self }

func (b *BaseBot) SupportedActions() []string { return b.Names() }

func (b *BaseBot) Files() FileStore { return b.files }

func (b *BaseBot) Logger() *slog.Logger { return b.logger }

// Dispatch runs an action and maps failures to retcodes.
func (b *BaseBot) Dispatch(ctx context.Context, action string, params onebot.Params) (any, error) {
	data, err := b.ActionSet.Dispatch(ctx, action, params)
	if err != nil {
		return nil, MapError(err)
	}
	return data, nil
}

// MapError turns an error from an action handler into an ActionError.
func MapError(err error) *onebot.ActionError {
	var ae *onebot.ActionError
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, blob.ErrFileNotFound):
		return onebot.DatabaseError("file not found")
	case errors.Is(err, blob.ErrUploadNotFound):
		return onebot.BadParam("%s", err.Error())
	case errors.Is(err, blob.ErrFileTooLarge):
		return onebot.BadParam("%s", err.Error())
	case errors.Is(err, blob.ErrHashMismatch):
		return onebot.LogicError("%s", err.Error())
	case errors.Is(err, blob.ErrDownload):
		return onebot.NetworkError("%s", err.Error())
	case errors.Is(err, blob.ErrProviderUnavailable), errors.Is(err, blob.ErrPathTraversal), errors.As(err, &pathErr):
		return onebot.FilesystemError("%s", err.Error())
	}
	return onebot.PlatformError("%s", err.Error())
}

// StoreAttachment uploads a platform attachment into the blob store tagged with
// the bot's platform and returns the file id.
func (b *BaseBot) StoreAttachment(ctx context.Context, in blob.UploadInput) (string, error) {
	if b.files == nil {
		return "", blob.ErrProviderUnavailable
	}
	in.Src = b.self.Platform
	f, err := b.files.Upload(ctx, in)
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

// LoadFile returns the record and content of a stored file.
func (b *BaseBot) LoadFile(ctx context.Context, fileID string) (blob.File, []byte, error) {
	if b.files == nil {
		return blob.File{}, nil, blob.ErrProviderUnavailable
	}
	f, err := b.files.Get(ctx, fileID, b.self.Platform)
	if err != nil {
		return blob.File{}, nil, err
	}
	data, err := b.files.ReadAll(ctx, f)
	if err != nil {
		return blob.File{}, nil, err
	}
	return f, data, nil
}

type uploadFileParams struct {
	Type    string            `json:"type" validate:"required"`
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Path    string            `json:"path"`
	SHA256  string            `json:"sha256"`
}

func (b *BaseBot) uploadFile(ctx context.Context, params onebot.Params) (any, error) {
	var p uploadFileParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	kind, ok := blob.ParseKind(p.Type)
	if !ok {
		return nil, onebot.BadParam("type must be url, path or data")
	}
	in := blob.UploadInput{
		Type:    kind,
		Name:    p.Name,
		URL:     p.URL,
		Headers: p.Headers,
		Path:    p.Path,
		SHA256:  p.SHA256,
	}
	switch kind {
	case blob.KindURL:
		if in.URL == "" {
			return nil, onebot.BadParam("url must be provided when type is url")
		}
	case blob.KindPath:
		if in.Path == "" {
			return nil, onebot.BadParam("path must be provided when type is path")
		}
	case blob.KindData:
		data, err := params.Bytes("data")
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, onebot.BadParam("data must be provided when type is data")
		}
		in.Data = data
	}
	f, err := b.files.Upload(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"file_id": f.ID}, nil
}

type getFileParams struct {
	FileID string `json:"file_id" validate:"required"`
	Type   string `json:"type" validate:"required"`
}

func (b *BaseBot) getFile(ctx context.Context, params onebot.Params) (any, error) {
	var p getFileParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	kind, ok := blob.ParseKind(p.Type)
	if !ok {
		return nil, onebot.BadParam("type must be url, path or data")
	}
	f, err := b.files.Get(ctx, p.FileID, b.self.Platform)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"name": f.Name, "sha256": f.SHA256}
	switch kind {
	case blob.KindURL:
		if f.URL != "" {
			out["url"] = f.URL
			if len(f.Headers) > 0 {
				out["headers"] = f.Headers
			}
		} else {
			out["url"] = "file://" + b.files.LocalPath(f)
		}
	case blob.KindPath:
		out["path"] = b.files.LocalPath(f)
	case blob.KindData:
		data, err := b.files.ReadAll(ctx, f)
		if err != nil {
			return nil, err
		}
		out["data"] = data
	}
	return out, nil
}

type fragmentedUploadParams struct {
	Stage     string `json:"stage" validate:"required,oneof=prepare transfer finish"`
	Name      string `json:"name" validate:"required_if=Stage prepare"`
	TotalSize int64  `json:"total_size" validate:"required_if=Stage prepare"`
	FileID    string `json:"file_id" validate:"required_unless=Stage prepare"`
	Offset    int64  `json:"offset"`
	SHA256    string `json:"sha256" validate:"required_if=Stage finish"`
}

func (b *BaseBot) uploadFileFragmented(ctx context.Context, params onebot.Params) (any, error) {
	var p fragmentedUploadParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	switch p.Stage {
	case "prepare":
		id, err := b.files.PrepareFragmented(p.Name, p.TotalSize, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{"file_id": id}, nil
	case "transfer":
		data, err := params.Bytes("data")
		if err != nil {
			return nil, err
		}
		if err := b.files.TransferFragment(p.FileID, p.Offset, data); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		f, err := b.files.FinishFragmented(ctx, p.FileID, p.SHA256)
		if err != nil {
			return nil, err
		}
		return map[string]any{"file_id": f.ID}, nil
	}
}

type fragmentedGetParams struct {
	Stage  string `json:"stage" validate:"required,oneof=prepare transfer"`
	FileID string `json:"file_id" validate:"required"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size" validate:"required_if=Stage transfer"`
}

func (b *BaseBot) getFileFragmented(ctx context.Context, params onebot.Params) (any, error) {
	var p fragmentedGetParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if p.Stage == "prepare" {
		info, err := b.files.FragmentInfo(ctx, p.FileID, b.self.Platform)
		if err != nil {
			return nil, err
		}
		return map[string]any{"name": info.Name, "total_size": info.TotalSize, "sha256": info.SHA256}, nil
	}
	data, err := b.files.ReadFragment(ctx, p.FileID, b.self.Platform, p.Offset, p.Size)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": data}, nil
}
