package images

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/db/jsonstore"
	"github.com/sikesa/sikesa-backend/internal/storage/local"
)

// ---- fixtures ---------------------------------------------------------------

type fixture struct {
	svc     *Service
	index   *jsonstore.Store
	imgDir  string
	rootDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	store, err := local.New(&config.LocalStorageConfig{BasePath: filepath.Join(root, "public")})
	require.NoError(t, err)

	idx, err := jsonstore.Open(filepath.Join(root, "imageData.json"), false)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	cfg := &config.Config{Images: *testImagesConfig()}
	svc, err := NewService(store, idx, cfg)
	require.NoError(t, err)

	return &fixture{svc: svc, index: idx, imgDir: filepath.Join(root, "public", "images"), rootDir: root}
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.imgDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func (f *fixture) upload(t *testing.T, id, token, filename string) (*UploadResult, error) {
	t.Helper()
	return f.svc.Upload(context.Background(), UploadInput{
		ID:       id,
		Token:    token,
		Filename: filename,
		Body:     bytes.NewReader(encodePNG(t, 40, 20)),
		BaseURL:  "http://localhost:3000",
	})
}

// ---- Upload -----------------------------------------------------------------

func TestUpload_StoresAndIndexes(t *testing.T) {
	f := newFixture(t)

	res, err := f.upload(t, "cam-1", "tok1", "Photo.PNG")
	require.NoError(t, err)
	assert.Equal(t, &UploadResult{
		ID:       "cam-1",
		Token:    "tok1",
		Filename: "tok1.png",
		URL:      "http://localhost:3000/images/tok1",
	}, res)
	assert.Equal(t, []string{"tok1.png"}, f.files(t))

	entry, err := f.index.Get(context.Background(), "cam-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "tok1", entry.Token)
	assert.Equal(t, "tok1.png", entry.Filename)
}

func TestUpload_ReplacesOldFileForSameID(t *testing.T) {
	f := newFixture(t)

	_, err := f.upload(t, "cam-1", "old", "a.png")
	require.NoError(t, err)
	_, err = f.upload(t, "cam-1", "new", "b.jpg")
	require.NoError(t, err)

	assert.Equal(t, []string{"new.jpg"}, f.files(t))
	list, _ := f.index.List(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Token)
}

func TestUpload_SameTokenNewExtension(t *testing.T) {
	f := newFixture(t)

	_, err := f.upload(t, "cam-1", "tok", "a.png")
	require.NoError(t, err)
	_, err = f.upload(t, "cam-1", "tok", "a.gif")
	require.NoError(t, err)

	assert.Equal(t, []string{"tok.gif"}, f.files(t))
}

func TestUpload_TokenInUseByOtherID(t *testing.T) {
	f := newFixture(t)

	_, err := f.upload(t, "cam-1", "shared", "a.png")
	require.NoError(t, err)
	_, err = f.upload(t, "cam-2", "shared", "b.jpg")
	assert.ErrorIs(t, err, ErrTokenInUse)
	assert.Equal(t, []string{"shared.png"}, f.files(t))
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t)
	png := encodePNG(t, 10, 10)

	tests := []struct {
		name string
		in   UploadInput
		want error
	}{
		{"missing id", UploadInput{Token: "t", Filename: "a.png", Body: bytes.NewReader(png)}, ErrMissingInput},
		{"missing token", UploadInput{ID: "i", Filename: "a.png", Body: bytes.NewReader(png)}, ErrMissingInput},
		{"missing file", UploadInput{ID: "i", Token: "t", Filename: "a.png"}, ErrMissingInput},
		{"empty file", UploadInput{ID: "i", Token: "t", Filename: "a.png", Body: bytes.NewReader(nil)}, ErrMissingInput},
		{"traversal token", UploadInput{ID: "i", Token: "../x", Filename: "a.png", Body: bytes.NewReader(png)}, ErrInvalidIdentifier},
		{"slash id", UploadInput{ID: "a/b", Token: "t", Filename: "a.png", Body: bytes.NewReader(png)}, ErrInvalidIdentifier},
		{"bad extension", UploadInput{ID: "i", Token: "t", Filename: "a.pdf", Body: bytes.NewReader(png)}, ErrUnsupportedType},
		{"not an image", UploadInput{ID: "i", Token: "t", Filename: "a.png", Body: strings.NewReader("<html></html>")}, ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.files(t))
}

func TestUpload_TooLarge(t *testing.T) {
	f := newFixture(t)
	f.svc.maxBytes = 16

	_, err := f.upload(t, "cam-1", "big", "a.png")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUpload_ProcessingFailureKeepsOldImage(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(t, "cam-1", "good", "a.png")
	require.NoError(t, err)

	// Valid PNG signature, truncated body
	broken := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	_, err = f.svc.Upload(context.Background(), UploadInput{
		ID: "cam-1", Token: "bad", Filename: "b.png", Body: bytes.NewReader(broken),
	})
	assert.ErrorIs(t, err, ErrProcessing)
	assert.Equal(t, []string{"good.png"}, f.files(t))

	entry, _ := f.index.Get(context.Background(), "cam-1")
	assert.Equal(t, "good", entry.Token)
}

func TestUpload_PublicURLOverridesRequestHost(t *testing.T) {
	f := newFixture(t)
	f.svc.publicURL = "https://img.example.com"

	res, err := f.upload(t, "cam-1", "tok", "a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/images/tok", res.URL)
}

// ---- Delete -----------------------------------------------------------------

func TestDelete_RemovesFilesAndEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(t, "cam-1", "tok", "a.png")
	require.NoError(t, err)
	_, err = f.upload(t, "cam-2", "other", "b.png")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), "cam-1"))
	assert.Equal(t, []string{"other.png"}, f.files(t))

	entry, _ := f.index.Get(context.Background(), "cam-1")
	assert.Nil(t, entry)
}

func TestDelete_UnknownID(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Delete(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---- Open / URL -------------------------------------------------------------

func TestOpen_ByTokenAndExactName(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(t, "cam-1", "tok", "a.jpg")
	require.NoError(t, err)

	for _, token := range []string{"tok", "tok.jpg"} {
		obj, err := f.svc.Open(context.Background(), token)
		require.NoError(t, err, token)
		data, _ := io.ReadAll(obj.Body)
		obj.Body.Close()
		assert.NotEmpty(t, data)
		assert.Equal(t, "tok.jpg", obj.Filename)
		assert.Equal(t, "image/jpeg", obj.ContentType)
	}
}

func TestOpen_NotFound(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"nothing", "nothing.png", "..", "a/b"} {
		_, err := f.svc.Open(context.Background(), token)
		assert.ErrorIs(t, err, ErrNotFound, token)
	}
}

func TestOpen_DottedToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(t, "cam-1", "v1.2", "a.png")
	require.NoError(t, err)

	obj, err := f.svc.Open(context.Background(), "v1.2")
	require.NoError(t, err)
	obj.Body.Close()
	assert.Equal(t, "v1.2.png", obj.Filename)
}

func TestURL_Local(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(t, "cam-1", "tok", "a.png")
	require.NoError(t, err)

	u, err := f.svc.URL(context.Background(), "tok", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)
	assert.True(t, strings.HasSuffix(u, "/images/tok.png"), u)

	_, err = f.svc.URL(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
