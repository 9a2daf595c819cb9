// Package models holds the records persisted by the image index.
package models

import (
	"errors"
	"time"
)

// ErrTokenConflict is returned by index stores when a token is already bound
// to a different id.
var ErrTokenConflict = errors.New("image token already bound to another id")

// Image binds a caller supplied identifier to its current image token and the
// stored file name (token plus lowercased extension).
type Image struct {
	ID        string    `db:"id" json:"id"`
	Token     string    `db:"token" json:"token"`
	Filename  string    `db:"filename" json:"filename"`
	Size      int64     `db:"size_bytes" json:"size_bytes"`
	Checksum  string    `db:"checksum" json:"checksum"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
