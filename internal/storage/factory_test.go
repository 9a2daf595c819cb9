package storage_test

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/storage"
)

// ---------------------------------------------------------------------------
// In-memory Storage used by the Register and FindByBaseName tests
// ---------------------------------------------------------------------------

type memStorage struct {
	objects map[string][]byte
	listErr error
}

func newMemStorage(paths ...string) *memStorage {
	m := &memStorage{objects: map[string][]byte{}}
	for _, p := range paths {
		m.objects[p] = []byte(p)
	}
	return m
}

func (m *memStorage) Upload(_ context.Context, p string, r io.Reader, _ int64) (*storage.UploadResult, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.objects[p] = b
	return &storage.UploadResult{Path: p, Size: int64(len(b))}, nil
}

func (m *memStorage) Download(_ context.Context, p string) (io.ReadCloser, error) {
	b, ok := m.objects[p]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStorage) Delete(_ context.Context, p string) error {
	delete(m.objects, p)
	return nil
}

func (m *memStorage) GetURL(_ context.Context, p string, _ time.Duration) (string, error) {
	return "mem://" + p, nil
}

func (m *memStorage) Exists(_ context.Context, p string) (bool, error) {
	_, ok := m.objects[p]
	return ok, nil
}

func (m *memStorage) GetMetadata(_ context.Context, p string) (*storage.FileMetadata, error) {
	return &storage.FileMetadata{Path: p, Size: int64(len(m.objects[p]))}, nil
}

func (m *memStorage) List(_ context.Context, dir string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []string
	for p := range m.objects {
		rest, ok := strings.CutPrefix(p, dir+"/")
		if ok && !strings.Contains(rest, "/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Register / NewStorage
// ---------------------------------------------------------------------------

func TestRegister_AddsFactory(t *testing.T) {
	storage.Register("test-backend", func(_ *config.Config) (storage.Storage, error) {
		return newMemStorage(), nil
	})

	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = "test-backend"

	s, err := storage.NewStorage(cfg)
	if err != nil {
		t.Fatalf("NewStorage() error: %v", err)
	}
	if s == nil {
		t.Fatal("NewStorage() returned nil")
	}

	found := false
	for _, name := range storage.Registered() {
		if name == "test-backend" {
			found = true
		}
	}
	if !found {
		t.Errorf("Registered() = %v, want it to include test-backend", storage.Registered())
	}
}

func TestNewStorage_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = "completely-unknown-backend"

	if _, err := storage.NewStorage(cfg); err == nil {
		t.Error("NewStorage() = nil error, want error for unregistered backend")
	}
}

func TestNewStorage_EmptyBackend(t *testing.T) {
	cfg := &config.Config{}
	if _, err := storage.NewStorage(cfg); err == nil {
		t.Error("NewStorage() = nil error, want error for empty backend name")
	}
}

// ---------------------------------------------------------------------------
// BaseName / JoinPath
// ---------------------------------------------------------------------------

func TestBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"images/abc.png", "abc"},
		{"abc.jpeg", "abc"},
		{"a.b.png", "a.b"},
		{".png", ".png"},
		{"token", "token"},
		{"images/nested/x.gif", "x"},
		{"trailing.", "trailing"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := storage.BaseName(tt.in); got != tt.want {
				t.Errorf("BaseName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"images", "a.png", "images/a.png"},
		{"/images/", "a.png", "images/a.png"},
		{"", "a.png", "a.png"},
	}
	for _, tt := range tests {
		if got := storage.JoinPath(tt.prefix, tt.name); got != tt.want {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// FindByBaseName
// ---------------------------------------------------------------------------

func TestFindByBaseName(t *testing.T) {
	s := newMemStorage(
		"images/tok.png",
		"images/tok.jpg",
		"images/tokens.png",
		"images/other.png",
		"images/sub/tok.png",
		"elsewhere/tok.png",
	)

	got, err := storage.FindByBaseName(context.Background(), s, "images", "tok")
	if err != nil {
		t.Fatalf("FindByBaseName() error: %v", err)
	}
	want := []string{"images/tok.jpg", "images/tok.png"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindByBaseName() = %v, want %v", got, want)
	}
}

func TestFindByBaseName_NoMatch(t *testing.T) {
	s := newMemStorage("images/a.png")
	got, err := storage.FindByBaseName(context.Background(), s, "images", "missing")
	if err != nil {
		t.Fatalf("FindByBaseName() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("FindByBaseName() = %v, want empty", got)
	}
}

func TestFindByBaseName_ListError(t *testing.T) {
	s := newMemStorage()
	s.listErr = io.ErrUnexpectedEOF
	if _, err := storage.FindByBaseName(context.Background(), s, "images", "a"); err == nil {
		t.Error("FindByBaseName() expected error when List fails")
	}
}
