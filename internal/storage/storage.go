// Package storage defines the Storage interface shared by all blob backends
// holding uploaded images.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend package so the registrations run.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (possibly wrapped) when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage defines the interface for all storage backends
type Storage interface {
	// Upload stores a file and returns the storage result with path and checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves a file and returns a reader
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes a file. Deleting a missing file is not an error.
	Delete(ctx context.Context, path string) error

	// GetURL returns a direct download URL.
	// Cloud backends return a signed URL valid for ttl; local storage returns a file:// URL.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists checks if a file exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata retrieves file metadata without downloading the entire file
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)

	// List returns the paths of the objects directly under dir, sorted.
	// Nested "directories" are not descended into. A missing dir yields an empty list.
	List(ctx context.Context, dir string) ([]string, error)
}

// UploadResult contains information about an uploaded file
type UploadResult struct {
	// Path is the storage path where the file was stored
	Path string

	// Size is the file size in bytes
	Size int64

	// Checksum is the SHA256 hash of the file contents
	Checksum string
}

// FileMetadata contains metadata about a stored file
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string
	ContentType  string
	LastModified time.Time
}
