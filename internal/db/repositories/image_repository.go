// Package repositories implements the Postgres image index.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sikesa/sikesa-backend/internal/db/models"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

// ImageRepository stores the id to token index in the images table
type ImageRepository struct {
	db *sqlx.DB
}

// NewImageRepository creates a new image repository
func NewImageRepository(db *sqlx.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// Get returns the entry for id, or nil when there is none
func (r *ImageRepository) Get(ctx context.Context, id string) (*models.Image, error) {
	var img models.Image
	query := `SELECT id, token, filename, size_bytes, checksum, created_at, updated_at FROM images WHERE id = $1`
	err := r.db.GetContext(ctx, &img, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image %q: %w", id, err)
	}
	return &img, nil
}

// GetByToken returns the entry currently bound to token, or nil
func (r *ImageRepository) GetByToken(ctx context.Context, token string) (*models.Image, error) {
	var img models.Image
	query := `SELECT id, token, filename, size_bytes, checksum, created_at, updated_at FROM images WHERE token = $1`
	err := r.db.GetContext(ctx, &img, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image by token: %w", err)
	}
	return &img, nil
}

// Put inserts or replaces the entry for img.ID. CreatedAt is kept on update.
func (r *ImageRepository) Put(ctx context.Context, img *models.Image) error {
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now

	query := `
		INSERT INTO images (id, token, filename, size_bytes, checksum, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			token = EXCLUDED.token,
			filename = EXCLUDED.filename,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`

	err := r.db.QueryRowxContext(ctx, query,
		img.ID, img.Token, img.Filename, img.Size, img.Checksum, img.CreatedAt, img.UpdatedAt,
	).Scan(&img.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", models.ErrTokenConflict, img.Token)
		}
		return fmt.Errorf("failed to store image %q: %w", img.ID, err)
	}
	return nil
}

// Delete removes the entry for id. Deleting a missing id is not an error.
func (r *ImageRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete image %q: %w", id, err)
	}
	return nil
}

// List returns every entry ordered by id
func (r *ImageRepository) List(ctx context.Context) ([]*models.Image, error) {
	var imgs []*models.Image
	query := `SELECT id, token, filename, size_bytes, checksum, created_at, updated_at FROM images ORDER BY id`
	if err := r.db.SelectContext(ctx, &imgs, query); err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return imgs, nil
}
