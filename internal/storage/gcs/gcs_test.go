package gcs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	appconfig "github.com/sikesa/sikesa-backend/internal/config"
)

// ---------------------------------------------------------------------------
// New() constructor validation (no GCS connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	if _, err := New(&appconfig.GCSStorageConfig{}); err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_ServiceAccountNoCredentials(t *testing.T) {
	_, err := New(&appconfig.GCSStorageConfig{Bucket: "images", AuthMethod: "service_account"})
	if err == nil {
		t.Error("New() = nil error, want error for service_account without credentials")
	}
}

func TestNew_UnsupportedAuthMethod(t *testing.T) {
	_, err := New(&appconfig.GCSStorageConfig{Bucket: "images", AuthMethod: "not-a-valid-method"})
	if err == nil {
		t.Error("New() = nil error, want error for unsupported auth_method")
	}
}

func TestNew_NoneRequiresEndpoint(t *testing.T) {
	_, err := New(&appconfig.GCSStorageConfig{Bucket: "images", AuthMethod: "none"})
	if err == nil {
		t.Error("New() = nil error, want error for unauthenticated access without endpoint")
	}
}

func TestClientOptions_ImpliedServiceAccount(t *testing.T) {
	opts, err := clientOptions(&appconfig.GCSStorageConfig{CredentialsJSON: `{"type":"service_account"}`})
	if err != nil {
		t.Fatalf("clientOptions() error: %v", err)
	}
	if len(opts) != 1 {
		t.Errorf("clientOptions() returned %d options, want 1", len(opts))
	}
}

// ---------------------------------------------------------------------------
// Against a fake JSON API endpoint
// ---------------------------------------------------------------------------

func newEmulatedStorage(t *testing.T, handler http.HandlerFunc) *GCSStorage {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.GCSStorageConfig{
		Bucket:     "images-bucket",
		AuthMethod: "none",
		Endpoint:   srv.URL + "/storage/v1/",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGCS_List(t *testing.T) {
	var gotPrefix, gotDelim string
	s := newEmulatedStorage(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/b/images-bucket/o") {
			http.NotFound(w, r)
			return
		}
		gotPrefix = r.URL.Query().Get("prefix")
		gotDelim = r.URL.Query().Get("delimiter")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"kind": "storage#objects",
			"items": []map[string]string{
				{"name": "images/b.png", "bucket": "images-bucket", "size": "1"},
				{"name": "images/a.jpg", "bucket": "images-bucket", "size": "1"},
			},
			"prefixes": []string{"images/nested/"},
		})
	})

	got, err := s.List(context.Background(), "images")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if gotPrefix != "images/" || gotDelim != "/" {
		t.Errorf("query prefix=%q delimiter=%q, want images/ and /", gotPrefix, gotDelim)
	}
	want := []string{"images/a.jpg", "images/b.png"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestGCS_Exists_NotFound(t *testing.T) {
	s := newEmulatedStorage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"No such object"}}`))
	})

	ok, err := s.Exists(context.Background(), "images/missing.png")
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if ok {
		t.Error("Exists() = true for missing object")
	}
}
