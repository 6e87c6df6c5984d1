// Package azure stores backups as block blobs in an Azure Storage container
// authenticated with the account's shared key.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/foldersync/foldersync/internal/backup"
	"github.com/foldersync/foldersync/internal/config"
	"github.com/foldersync/foldersync/pkg/checksum"
)

func init() {
	backup.Register("azure", func(cfg *config.StorageConfig) (backup.Store, error) {
		return New(&cfg.Azure)
	})
}

// Store writes backups to one container.
type Store struct {
	client    *azblob.Client
	container string
}

// New builds a shared-key client for the account's public blob endpoint.
func New(cfg *config.AzureStorageConfig) (*Store, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return &Store{client: client, container: cfg.ContainerName}, nil
}

func (s *Store) blob(key string) *blockblob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(key)
}

// Put uploads r with its SHA-256 recorded as blob metadata.
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

	contentType := backup.ContentType
	_, err = s.blob(key).Upload(ctx, streaming.NopCloser(body), &blockblob.UploadOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata:    map[string]*string{"sha256": &sum},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return &backup.Object{Key: key, Size: n, Checksum: sum}, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.blob(key).GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.blob(key).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}
