// Package gcs stores backups in Google Cloud Storage using Application
// Default Credentials or a service account key file.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/foldersync/foldersync/internal/backup"
	appconfig "github.com/foldersync/foldersync/internal/config"
	"github.com/foldersync/foldersync/pkg/checksum"
)

func init() {
	backup.Register("gcs", func(cfg *appconfig.StorageConfig) (backup.Store, error) {
		return New(&cfg.GCS)
	})
}

// Store writes backups to one bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New builds a GCS client. Endpoint is for emulators such as
// fake-gcs-server; it disables authentication.
func New(cfg *appconfig.GCSStorageConfig) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put uploads r with its SHA-256 recorded as object metadata.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) (*backup.Object, error) {
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read data: %w", err)
		}
		body = bytes.NewReader(data)
	}
	sum, n, err := checksum.Rewind(body)
	if err != nil {
		return nil, err
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = backup.ContentType
	w.Metadata = map[string]string{"sha256": sum}
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return &backup.Object{Key: key, Size: n, Checksum: sum}, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}
