// Package local stores backups on the server's filesystem. It suits single
// node deployments; anything else should use a cloud backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/foldersync/foldersync/internal/backup"
	"github.com/foldersync/foldersync/internal/config"
	"github.com/foldersync/foldersync/pkg/checksum"
)

func init() {
	backup.Register("local", func(cfg *config.StorageConfig) (backup.Store, error) {
		return New(&cfg.Local)
	})
}

// Store keeps each object as a file below basePath.
type Store struct {
	basePath string
}

// New creates the base directory if needed.
func New(cfg *config.LocalStorageConfig) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local backup base_path is required")
	}
	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolving backup directory: %w", err)
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Store{basePath: base}, nil
}

func (s *Store) resolve(key string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid backup key %q", key)
	}
	return full, nil
}

// Put writes the object through a temporary file so a reader never sees a
// partial bundle.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) (*backup.Object, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hr := checksum.NewReader(r)
	if _, err := io.Copy(tmp, hr); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &backup.Object{Key: key, Size: hr.Size(), Checksum: hr.Sum()}, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// Delete removes key and any parent directories it leaves empty.
func (s *Store) Delete(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	for dir := filepath.Dir(full); dir != s.basePath; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
