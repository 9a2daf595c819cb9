package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// newRequestIDRouter echoes the context request ID back in a second header
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", RequestID(c))
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequestIDMiddleware_GeneratesUUID(t *testing.T) {
	w := serve(newRequestIDRouter(), httptest.NewRequest(http.MethodGet, "/", nil))

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID: %v", id, err)
	}
	if got := w.Header().Get("X-Context-Request-ID"); got != id {
		t.Errorf("context ID %q does not match header %q", got, id)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-001")
	w := serve(newRequestIDRouter(), req)

	if got := w.Header().Get(RequestIDHeader); got != "upstream-001" {
		t.Errorf("X-Request-ID = %q, want upstream-001", got)
	}
}

func TestRequestIDMiddleware_DifferentIDsPerRequest(t *testing.T) {
	r := newRequestIDRouter()
	seen := make(map[string]bool)
	for i := range 10 {
		id := serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Header().Get(RequestIDHeader)
		if seen[id] {
			t.Errorf("duplicate request ID %q on iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestRequestID_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := RequestID(c); got != "" {
		t.Errorf("RequestID() = %q, want empty", got)
	}
}
