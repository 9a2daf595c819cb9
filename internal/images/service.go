// Package images implements the upload, rename, compress and serve-by-token
// workflow on top of a blob storage backend and an id to token index.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/db/models"
	"github.com/sikesa/sikesa-backend/internal/storage"
	"github.com/sikesa/sikesa-backend/internal/telemetry"
	"github.com/sikesa/sikesa-backend/internal/validation"
)

// Index maps ids to their current token. Get and GetByToken return nil, nil
// when nothing matches; Put returns models.ErrTokenConflict when the token
// belongs to another id.
type Index interface {
	Get(ctx context.Context, id string) (*models.Image, error)
	GetByToken(ctx context.Context, token string) (*models.Image, error)
	Put(ctx context.Context, img *models.Image) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Image, error)
}

// UploadInput is one upload request
type UploadInput struct {
	ID       string
	Token    string
	Filename string // original client file name, only its extension is used
	Body     io.Reader
	BaseURL  string // scheme://host of the request, used when no public URL is configured
}

// UploadResult is returned to the client after a successful upload
type UploadResult struct {
	ID       string `json:"id"`
	Token    string `json:"token"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Object is an opened stored image
type Object struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
}

// Service coordinates validation, processing, storage and the index.
// Mutations are serialized so the swap of old and new files for an id
// never interleaves with another request.
type Service struct {
	storage   storage.Storage
	index     Index
	processor *Processor

	prefix    string
	allowed   []string
	maxBytes  int64
	publicURL string

	mu sync.Mutex
}

// NewService creates the image service
func NewService(store storage.Storage, index Index, cfg *config.Config) (*Service, error) {
	proc, err := NewProcessor(&cfg.Images)
	if err != nil {
		return nil, err
	}
	return &Service{
		storage:   store,
		index:     index,
		processor: proc,
		prefix:    strings.Trim(cfg.Images.StoragePrefix, "/"),
		allowed:   cfg.Images.AllowedExtensions,
		maxBytes:  cfg.Images.MaxUploadBytes(),
		publicURL: strings.TrimRight(cfg.Server.PublicURL, "/"),
	}, nil
}

// Upload validates, compresses and stores an image for in.ID under in.Token,
// replacing whatever image the id had before.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	res, err := s.upload(ctx, in)
	switch {
	case err == nil:
		telemetry.ImageUploadsTotal.WithLabelValues("success").Inc()
	case isClientError(err):
		telemetry.ImageUploadsTotal.WithLabelValues("rejected").Inc()
	default:
		telemetry.ImageUploadsTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Service) upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if in.ID == "" || in.Token == "" || in.Body == nil {
		return nil, ErrMissingInput
	}
	if err := validation.ValidateIdentifier("id", in.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if err := validation.ValidateIdentifier("image_token", in.Token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	ext, err := validation.NormalizeExtension(in.Filename, s.allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	raw, err := s.readBody(in.Body)
	if err != nil {
		return nil, err
	}
	if _, err := validation.SniffImage(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, err := s.index.GetByToken(ctx, in.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if owner != nil && owner.ID != in.ID {
		return nil, fmt.Errorf("%w: %s", ErrTokenInUse, in.Token)
	}

	// Process before touching storage so a bad image leaves the old one in place
	out, err := s.processor.Process(bytes.NewReader(raw), ext)
	if err != nil {
		return nil, err
	}

	filename := in.Token + ext
	objectPath := storage.JoinPath(s.prefix, filename)

	prev, err := s.index.Get(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up id: %w", err)
	}

	stored, err := s.storage.Upload(ctx, objectPath, bytes.NewReader(out.Data), int64(len(out.Data)))
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	telemetry.ImageStoredBytes.Observe(float64(stored.Size))

	entry := &models.Image{
		ID:        in.ID,
		Token:     in.Token,
		Filename:  filename,
		Size:      stored.Size,
		Checksum:  stored.Checksum,
		CreatedAt: time.Now().UTC(),
	}
	if prev != nil {
		entry.CreatedAt = prev.CreatedAt
	}
	if err := s.index.Put(ctx, entry); err != nil {
		if prev == nil || prev.Filename != filename {
			s.removeQuietly(ctx, objectPath)
		}
		if errors.Is(err, models.ErrTokenConflict) {
			return nil, fmt.Errorf("%w: %s", ErrTokenInUse, in.Token)
		}
		return nil, fmt.Errorf("failed to update index: %w", err)
	}

	if prev != nil {
		s.removeByBaseName(ctx, prev.Token, objectPath)
	}
	// Same token with a different extension leaves a stale sibling behind
	if prev == nil || prev.Token != in.Token {
		s.removeByBaseName(ctx, in.Token, objectPath)
	}

	slog.Info("image stored", "id", in.ID, "token", in.Token, "path", objectPath,
		"bytes", stored.Size, "width", out.Width, "height", out.Height)

	return &UploadResult{
		ID:       in.ID,
		Token:    in.Token,
		Filename: filename,
		URL:      s.imageURL(in.BaseURL, in.Token),
	}, nil
}

// Delete removes the index entry for id and every stored file named after its token
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.delete(ctx, id)
	switch {
	case err == nil:
		telemetry.ImageDeletesTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrNotFound):
		telemetry.ImageDeletesTotal.WithLabelValues("not_found").Inc()
	default:
		telemetry.ImageDeletesTotal.WithLabelValues("error").Inc()
	}
	return err
}

func (s *Service) delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.index.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up id: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	paths, err := storage.FindByBaseName(ctx, s.storage, s.prefix, entry.Token)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := s.storage.Delete(ctx, p); err != nil {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	if err := s.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to update index: %w", err)
	}

	slog.Info("image deleted", "id", id, "token", entry.Token, "files", len(paths))
	return nil
}

// Open resolves token to a stored file and opens it. The caller closes Body.
func (s *Service) Open(ctx context.Context, token string) (*Object, error) {
	p, err := s.resolve(ctx, token)
	if err != nil {
		s.countServe(err)
		return nil, err
	}
	body, err := s.storage.Download(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrNotFound, token)
		} else {
			err = fmt.Errorf("failed to open image: %w", err)
		}
		s.countServe(err)
		return nil, err
	}
	s.countServe(nil)
	name := path.Base(p)
	return &Object{Body: body, Filename: name, ContentType: contentType(name)}, nil
}

// URL resolves token and returns a direct backend URL valid for ttl
func (s *Service) URL(ctx context.Context, token string, ttl time.Duration) (string, error) {
	p, err := s.resolve(ctx, token)
	if err != nil {
		s.countServe(err)
		return "", err
	}
	u, err := s.storage.GetURL(ctx, p, ttl)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrNotFound, token)
		}
		s.countServe(err)
		return "", err
	}
	s.countServe(nil)
	return u, nil
}

// List returns every index entry
func (s *Service) List(ctx context.Context) ([]*models.Image, error) {
	return s.index.List(ctx)
}

// resolve finds the object path for a request token. A token carrying an
// extension matches the exact file first; otherwise the first file whose
// base name equals the token wins.
func (s *Service) resolve(ctx context.Context, token string) (string, error) {
	if validation.ValidateIdentifier("image_token", token) != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, token)
	}

	if path.Ext(token) != "" {
		exact := storage.JoinPath(s.prefix, token)
		ok, err := s.storage.Exists(ctx, exact)
		if err != nil {
			return "", fmt.Errorf("failed to read image folder: %w", err)
		}
		if ok {
			return exact, nil
		}
	}

	matches, err := storage.FindByBaseName(ctx, s.storage, s.prefix, token)
	if err != nil {
		return "", fmt.Errorf("failed to read image folder: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return matches[0], nil
}

func (s *Service) readBody(r io.Reader) ([]byte, error) {
	limit := s.maxBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, ErrTooLarge
	}
	if len(raw) == 0 {
		return nil, ErrMissingInput
	}
	return raw, nil
}

// removeByBaseName deletes every stored file named base, except keep.
// Failures are logged; the new image is already in place.
func (s *Service) removeByBaseName(ctx context.Context, base, keep string) {
	paths, err := storage.FindByBaseName(ctx, s.storage, s.prefix, base)
	if err != nil {
		slog.Warn("failed to list old images", "token", base, "error", err)
		return
	}
	for _, p := range paths {
		if p == keep {
			continue
		}
		s.removeQuietly(ctx, p)
	}
}

func (s *Service) removeQuietly(ctx context.Context, p string) {
	if err := s.storage.Delete(ctx, p); err != nil {
		slog.Warn("failed to remove image", "path", p, "error", err)
		return
	}
	slog.Debug("removed image", "path", p)
}

func (s *Service) imageURL(base, token string) string {
	if s.publicURL != "" {
		base = s.publicURL
	}
	return strings.TrimRight(base, "/") + "/images/" + url.PathEscape(token)
}

func (s *Service) countServe(err error) {
	switch {
	case err == nil:
		telemetry.ImageServesTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrNotFound):
		telemetry.ImageServesTotal.WithLabelValues("not_found").Inc()
	default:
		telemetry.ImageServesTotal.WithLabelValues("error").Inc()
	}
}

func isClientError(err error) bool {
	for _, target := range []error{ErrMissingInput, ErrInvalidIdentifier, ErrUnsupportedType, ErrTooLarge, ErrTokenInUse} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
