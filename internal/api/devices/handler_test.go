package devices

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sikesa/sikesa-backend/internal/monitor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticSnapshot []monitor.DeviceState

func (s staticSnapshot) Snapshot() []monitor.DeviceState { return s }

func doList(m Snapshotter) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/devices", ListHandler(m))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devices", nil))
	return w
}

func TestListHandler(t *testing.T) {
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w := doList(staticSnapshot{
		{ID: "d1", Name: "Gate", Topic: "gate", Status: "online", LastSeen: &seen},
		{ID: "d2", Name: "Pump", Topic: "pump", Status: "unknown"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0]["status"] != "online" || got[0]["last_seen"] != "2024-03-01T12:00:00Z" {
		t.Errorf("first device = %v", got[0])
	}
	if got[1]["last_seen"] != nil {
		t.Errorf("last_seen = %v, want null for a device never heard from", got[1]["last_seen"])
	}
}

func TestListHandler_Empty(t *testing.T) {
	w := doList(staticSnapshot{})
	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Errorf("got %d %s, want 200 []", w.Code, w.Body.String())
	}
}

func TestListHandler_Disabled(t *testing.T) {
	w := doList(nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
