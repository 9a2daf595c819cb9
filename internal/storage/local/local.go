// Package local implements the filesystem storage backend. Images land under
// <base_path>/<storage_prefix>, which with the defaults is ./public/images.
// It suits single-node deployments; multiple instances would need a shared
// filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/storage"
	"github.com/sikesa/sikesa-backend/pkg/checksum"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStorage implements the Storage interface for local filesystem storage
type LocalStorage struct {
	basePath string
}

// New creates a new local filesystem storage backend
func New(cfg *config.LocalStorageConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: filepath.Clean(cfg.BasePath)}, nil
}

// fullPath maps an object path onto the filesystem, refusing anything that
// would escape the base directory.
func (s *LocalStorage) fullPath(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage path: %q", p)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Upload writes the file through a temp file and renames it into place, so
// readers never observe a partially written image.
func (s *LocalStorage) Upload(ctx context.Context, p string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	cw := checksum.NewWriter(tmp)
	if _, err := io.Copy(cw, reader); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &storage.UploadResult{
		Path:     p,
		Size:     cw.Written(),
		Checksum: cw.Sum(),
	}, nil
}

// Download retrieves a file from the local filesystem
func (s *LocalStorage) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes a file and then any directories it leaves empty, up to the base path
func (s *LocalStorage) Delete(ctx context.Context, p string) error {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	dir := filepath.Dir(fullPath)
	for dir != s.basePath && strings.HasPrefix(dir, s.basePath) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// GetURL returns a file:// URL. The HTTP layer streams such files itself
// instead of redirecting to them.
func (s *LocalStorage) GetURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, p)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	fullPath, _ := s.fullPath(p)
	abs, err := filepath.Abs(fullPath)
	if err != nil {
		abs = fullPath
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Exists checks if a file exists at the specified path
func (s *LocalStorage) Exists(ctx context.Context, p string) (bool, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return !info.IsDir(), nil
}

// GetMetadata stats the file and hashes its contents
func (s *LocalStorage) GetMetadata(ctx context.Context, p string) (*storage.FileMetadata, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to get file metadata: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer file.Close()

	sum, err := checksum.CalculateSHA256(file)
	if err != nil {
		return nil, err
	}

	return &storage.FileMetadata{
		Path:         p,
		Size:         stat.Size(),
		Checksum:     sum,
		ContentType:  mime.TypeByExtension(path.Ext(p)),
		LastModified: stat.ModTime(),
	}, nil
}

// List returns the regular files directly under dir. Temp files from
// in-flight uploads are skipped.
func (s *LocalStorage) List(ctx context.Context, dir string) ([]string, error) {
	dir = strings.Trim(dir, "/")
	fullDir := s.basePath
	if dir != "" {
		var err error
		if fullDir, err = s.fullPath(dir); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(fullDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".upload-") {
			continue
		}
		paths = append(paths, storage.JoinPath(dir, e.Name()))
	}
	return paths, nil
}
