package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sikesa/sikesa-backend/internal/config"
)

func corsRequest(cfg config.CORSConfig, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.Any("/upload", func(c *gin.Context) { c.Status(http.StatusOK) })
	req := httptest.NewRequest(method, "/upload", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return serve(r, req)
}

func TestCORSMiddleware(t *testing.T) {
	listed := config.CORSConfig{AllowedOrigins: []string{"https://app.example"}, AllowedMethods: []string{"GET", "POST"}}
	wildcard := config.CORSConfig{AllowedOrigins: []string{"*"}}

	tests := []struct {
		name        string
		cfg         config.CORSConfig
		method      string
		origin      string
		status      int
		allowOrigin string
		credentials string
		methods     string
	}{
		{"listed origin", listed, http.MethodPost, "https://app.example", 200, "https://app.example", "true", "GET, POST"},
		{"unlisted origin", listed, http.MethodPost, "https://evil.example", 200, "", "", ""},
		{"no origin", listed, http.MethodGet, "", 200, "", "", ""},
		{"wildcard", wildcard, http.MethodGet, "https://anyone.example", 200, "*", "", "GET, POST, DELETE, OPTIONS"},
		{"preflight", listed, http.MethodOptions, "https://app.example", 204, "https://app.example", "true", "GET, POST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := corsRequest(tt.cfg, tt.method, tt.origin)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			h := w.Header()
			if got := h.Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.allowOrigin)
			}
			if got := h.Get("Access-Control-Allow-Credentials"); got != tt.credentials {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.credentials)
			}
			if got := h.Get("Access-Control-Allow-Methods"); got != tt.methods {
				t.Errorf("Allow-Methods = %q, want %q", got, tt.methods)
			}
		})
	}
}
