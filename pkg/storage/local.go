package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type localStore struct {
	root string
}

// NewLocal stores objects as files under root.
func NewLocal(root string) ObjectStore {
	return &localStore{root: root}
}

func (s *localStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *localStore) Download(_ context.Context, key, localPath string) error {
	src, err := s.path(key)
	if err != nil {
		return err
	}
	if err := copyFile(src, localPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return err
	}
	return nil
}

func (s *localStore) Upload(_ context.Context, localPath, key string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	return copyFile(localPath, dst)
}

func (s *localStore) UploadDir(ctx context.Context, localDir, prefix string) error {
	return filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		return s.Upload(ctx, path, strings.TrimSuffix(prefix, "/")+"/"+filepath.ToSlash(rel))
	})
}

func (s *localStore) Remove(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *localStore) RemovePrefix(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (s *localStore) Ping(_ context.Context) error {
	return os.MkdirAll(s.root, os.ModePerm)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
