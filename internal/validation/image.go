// Package validation checks upload input before anything touches storage:
// identifier shape, file extension, and that the bytes really are an image.
package validation

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode"
)

// MaxIdentifierLength bounds ids and tokens, which end up in file names
const MaxIdentifierLength = 128

// ValidateIdentifier checks an id or image token. Tokens become file names,
// so anything that could change the target directory is refused.
func ValidateIdentifier(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%s must be at most %d characters", kind, MaxIdentifierLength)
	}
	if value == "." || strings.Contains(value, "..") {
		return fmt.Errorf("%s must not contain '..'", kind)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%s must not contain path separators", kind)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s must not contain control characters", kind)
		}
	}
	return nil
}

// NormalizeExtension returns the lowercased extension of filename, with its
// leading dot, if it is one of allowed (given without dots, any case).
func NormalizeExtension(filename string, allowed []string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || ext == "." {
		return "", fmt.Errorf("file %q has no extension", filename)
	}
	for _, a := range allowed {
		if ext == "."+strings.ToLower(strings.TrimPrefix(a, ".")) {
			return ext, nil
		}
	}
	return "", fmt.Errorf("extension %q is not allowed (allowed: %s)", ext, strings.Join(allowed, ", "))
}

// SniffImage reports the sniffed content type of head (the first bytes of a
// file) and fails unless it is an image type.
func SniffImage(head []byte) (string, error) {
	ct := http.DetectContentType(head)
	if !strings.HasPrefix(ct, "image/") {
		return ct, fmt.Errorf("file content is %s, not an image", ct)
	}
	return ct, nil
}
