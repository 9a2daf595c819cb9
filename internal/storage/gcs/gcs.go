// Package gcs implements the Google Cloud Storage backend. Redirect mode hands
// out V4 signed URLs. Supports Application Default Credentials, service account
// keys, Workload Identity, and unauthenticated access for local emulators.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/sikesa/sikesa-backend/internal/config"
	appstorage "github.com/sikesa/sikesa-backend/internal/storage"
	"github.com/sikesa/sikesa-backend/pkg/checksum"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements the Storage interface for Google Cloud Storage
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// clientOptions translates the configured auth method into client options
func clientOptions(cfg *appconfig.GCSStorageConfig) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "none":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("endpoint is required for unauthenticated (emulator) access")
		}
		opts = append(opts, option.WithoutAuthentication())
	case "workload_identity", "default":
		// Application Default Credentials
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', 'workload_identity', or 'none')", authMethod)
	}
	return opts, nil
}

// New creates a new Google Cloud Storage backend
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// Upload streams the object to GCS and stores its sha256 as custom metadata
func (s *GCSStorage) Upload(ctx context.Context, p string, reader io.Reader, size int64) (*appstorage.UploadResult, error) {
	obj := s.client.Bucket(s.bucket).Object(p)

	// The checksum is only known after the body is written, so hash a
	// buffered copy first and attach it before the writer opens.
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	cw := checksum.NewWriter(nil)
	cw.Write(data)
	sum := cw.Sum()

	writer := obj.NewWriter(ctx)
	writer.Metadata = map[string]string{"sha256": sum}
	writer.ContentType = mime.TypeByExtension(path.Ext(p))

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.UploadResult{
		Path:     p,
		Size:     int64(len(data)),
		Checksum: sum,
	}, nil
}

// Download retrieves a file from GCS
func (s *GCSStorage) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(p).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes a file from GCS
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	if err := s.client.Bucket(s.bucket).Object(p).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// GetURL returns a V4 signed URL. The credentials must be able to sign
// (a service account key, or signBlob permission under ADC).
func (s *GCSStorage) GetURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, p)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", appstorage.ErrNotFound, p)
	}

	url, err := s.client.Bucket(s.bucket).SignedURL(p, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

// Exists checks if a file exists at the specified path
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	if _, err := s.client.Bucket(s.bucket).Object(p).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// GetMetadata retrieves file metadata without downloading the entire file
func (s *GCSStorage) GetMetadata(ctx context.Context, p string) (*appstorage.FileMetadata, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(p).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	sum := attrs.Metadata["sha256"]
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

	return &appstorage.FileMetadata{
		Path:         p,
		Size:         attrs.Size,
		Checksum:     sum,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

// List returns objects directly under dir. With a delimiter set, GCS reports
// nested prefixes as synthetic entries that carry Prefix instead of Name.
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	names := []string{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		if attrs.Name == "" {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}
