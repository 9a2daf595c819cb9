package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/realtime"
)

// fakeStore keeps JSON documents by path, round-tripping values through
// encoding/json like the SDK does.
type fakeStore struct {
	mu     sync.Mutex
	docs   map[string][]byte
	setErr error
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string][]byte{}} }

func (f *fakeStore) Get(_ context.Context, path string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[path]
	if !ok {
		data = []byte("null")
	}
	return json.Unmarshal(data, v)
}

func (f *fakeStore) Set(_ context.Context, path string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.docs[path] = data
	return nil
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func TestDevices(t *testing.T) {
	store := newFakeStore()
	store.docs["Device"] = []byte(`{
		"pump-1": {"name": "Pump", "topic": "pump-1", "status": "online"},
		"gate":   {"name": "Gate", "topic": "gate"},
		"half":   {"name": "No topic"},
		"junk":   "just a string"
	}`)
	d := &Database{store: store}

	got, err := d.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	want := []realtime.Device{
		{ID: "gate", Name: "Gate", Topic: "gate"},
		{ID: "pump-1", Name: "Pump", Topic: "pump-1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Devices() = %+v, want %+v", got, want)
	}
}

func TestDevices_EmptyNode(t *testing.T) {
	d := &Database{store: newFakeStore()}
	got, err := d.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Devices() = %+v, want empty", got)
	}
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func TestSetDeviceStatus_Path(t *testing.T) {
	store := newFakeStore()
	d := &Database{store: store}

	if err := d.SetDeviceStatus(context.Background(), "pump-1", realtime.StatusOffline); err != nil {
		t.Fatalf("SetDeviceStatus() error: %v", err)
	}
	if got := string(store.docs["Device/pump-1/status"]); got != `"offline"` {
		t.Errorf("Device/pump-1/status = %s, want \"offline\"", got)
	}
}

func TestAppendLog_KeyAndBody(t *testing.T) {
	store := newFakeStore()
	d := &Database{store: store}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123e6, time.UTC)

	err := d.AppendLog(context.Background(), realtime.LogEntry{Timestamp: ts, Message: `Device "Pump" is now online`})
	if err != nil {
		t.Fatalf("AppendLog() error: %v", err)
	}

	key := "Log/1709294400123"
	var node logNode
	if err := json.Unmarshal(store.docs[key], &node); err != nil {
		t.Fatalf("no log node at %s: %v (docs: %v)", key, err, store.docs)
	}
	if node.Timestamp != "2024-03-01T12:00:00.123Z" {
		t.Errorf("timestamp = %q", node.Timestamp)
	}
	if node.Message != `Device "Pump" is now online` {
		t.Errorf("message = %q", node.Message)
	}
}

func TestWrites_PropagateErrors(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("permission denied")
	d := &Database{store: store}
	ctx := context.Background()

	if err := d.SetDeviceStatus(ctx, "x", realtime.StatusOnline); err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("SetDeviceStatus() error = %v", err)
	}
	if err := d.AppendLog(ctx, realtime.LogEntry{Timestamp: time.Now(), Message: "m"}); err == nil {
		t.Error("AppendLog() expected error")
	}
}

// ---------------------------------------------------------------------------
// New() validation (no network)
// ---------------------------------------------------------------------------

func TestNew_RequiresDatabaseURL(t *testing.T) {
	_, err := New(context.Background(), &config.FirebaseRealtimeConfig{ProjectID: "p"})
	if err == nil || !strings.Contains(err.Error(), "database_url") {
		t.Errorf("New() error = %v, want database_url error", err)
	}
}
