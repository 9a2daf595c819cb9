// Package azure implements the Azure Blob Storage backend. Redirect mode hands
// out short-lived read-only SAS URLs, or CDN URLs when a CDN is configured.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/storage"
	"github.com/sikesa/sikesa-backend/pkg/checksum"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements the Storage interface for Azure Blob Storage
type AzureStorage struct {
	client        *azblob.Client
	credential    *azblob.SharedKeyCredential
	serviceURL    string
	containerName string
	cdnURL        string
}

// New creates a new Azure Blob Storage backend using shared key authentication
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
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

	return &AzureStorage{
		client:        client,
		credential:    credential,
		serviceURL:    serviceURL,
		containerName: cfg.ContainerName,
		cdnURL:        strings.TrimSuffix(cfg.CDNURL, "/"),
	}, nil
}

func (s *AzureStorage) containerClient() *container.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName)
}

func (s *AzureStorage) blobClient(p string) *blob.Client {
	return s.containerClient().NewBlobClient(p)
}

// Upload stores the blob with its sha256 in blob metadata and a content type
// derived from the extension
func (s *AzureStorage) Upload(ctx context.Context, p string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	var buf bytes.Buffer
	cw := checksum.NewWriter(&buf)
	if _, err := io.Copy(cw, reader); err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := cw.Sum()

	opts := &blockblob.UploadOptions{
		Metadata: map[string]*string{"sha256": &sum},
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}

	_, err := s.containerClient().NewBlockBlobClient(p).Upload(ctx, streaming.NopCloser(bytes.NewReader(buf.Bytes())), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.UploadResult{
		Path:     p,
		Size:     int64(buf.Len()),
		Checksum: sum,
	}, nil
}

// Download retrieves a file from Azure Blob Storage
func (s *AzureStorage) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := s.blobClient(p).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// Delete removes a blob, treating a missing blob as already deleted
func (s *AzureStorage) Delete(ctx context.Context, p string) error {
	if _, err := s.blobClient(p).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// GetURL returns the CDN URL when configured, otherwise a read-only SAS URL
func (s *AzureStorage) GetURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, p)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}

	if s.cdnURL != "" {
		return fmt.Sprintf("%s/%s", s.cdnURL, p), nil
	}
	if s.credential == nil {
		return "", fmt.Errorf("no shared key credential available to sign %s", p)
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute), // clock skew
		ExpiryTime:    now.Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.containerName,
		BlobName:      p,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	return fmt.Sprintf("%s%s/%s?%s", s.serviceURL, s.containerName, url.PathEscape(p), params.Encode()), nil
}

// Exists checks if a file exists at the specified path
func (s *AzureStorage) Exists(ctx context.Context, p string) (bool, error) {
	if _, err := s.blobClient(p).GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get blob properties: %w", err)
	}
	return true, nil
}

// GetMetadata reads blob properties. Azure only records MD5, so a blob
// written without sha256 metadata is downloaded and hashed.
func (s *AzureStorage) GetMetadata(ctx context.Context, p string) (*storage.FileMetadata, error) {
	props, err := s.blobClient(p).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to get blob properties: %w", err)
	}

	var sum string
	for k, v := range props.Metadata {
		if strings.EqualFold(k, "sha256") && v != nil {
			sum = *v
		}
	}
	if sum == "" {
		reader, err := s.Download(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to download for checksum: %w", err)
		}
		defer reader.Close()
		if sum, err = checksum.CalculateSHA256(reader); err != nil {
			return nil, err
		}
	}

	meta := &storage.FileMetadata{Path: p, Checksum: sum}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		meta.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		meta.LastModified = *props.LastModified
	}
	return meta, nil
}

// List returns blobs directly under dir using a hierarchy listing
func (s *AzureStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	pager := s.containerClient().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: &prefix,
	})

	names := []string{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return names, nil
			}
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			names = append(names, *item.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}
