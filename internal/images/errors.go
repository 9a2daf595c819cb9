package images

import "errors"

var (
	// ErrNotFound is returned when an id or token has no stored image
	ErrNotFound = errors.New("image not found")

	// ErrMissingInput is returned when id, token or file is absent
	ErrMissingInput = errors.New("id, image_token and image file are required")

	// ErrInvalidIdentifier is returned for ids or tokens that cannot be used as file names
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrUnsupportedType is returned when the file extension or content is not an allowed image
	ErrUnsupportedType = errors.New("only image files are allowed")

	// ErrTooLarge is returned when the upload exceeds the configured size limit
	ErrTooLarge = errors.New("image exceeds the upload size limit")

	// ErrTokenInUse is returned when the token is already bound to another id
	ErrTokenInUse = errors.New("image token is already in use")

	// ErrProcessing is returned when the image cannot be decoded or re-encoded
	ErrProcessing = errors.New("failed to process image")
)
