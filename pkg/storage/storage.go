package storage

import (
	"context"
	"errors"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore holds original uploads and the images derived from them.
// Keys always use forward slashes.
type ObjectStore interface {
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key string) error
	UploadDir(ctx context.Context, localDir, prefix string) error
	Remove(ctx context.Context, key string) error
	RemovePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}
