package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func securityHeaders(cfg SecurityHeadersConfig) http.Header {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Header()
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name string
		cfg  SecurityHeadersConfig
		want map[string]string
	}{
		{
			name: "api without tls",
			cfg:  APISecurityHeadersConfig(false),
			want: map[string]string{
				"Strict-Transport-Security":    "",
				"X-Frame-Options":              "DENY",
				"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
				"Referrer-Policy":              "no-referrer",
				"Cross-Origin-Resource-Policy": "same-origin",
				"X-Content-Type-Options":       "nosniff",
			},
		},
		{
			name: "api with tls",
			cfg:  APISecurityHeadersConfig(true),
			want: map[string]string{
				"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
			},
		},
		{
			name: "images",
			cfg:  ImageSecurityHeadersConfig(false),
			want: map[string]string{
				"Cross-Origin-Resource-Policy": "cross-origin",
				"Content-Security-Policy":      "default-src 'none'; style-src 'unsafe-inline'; sandbox",
				"X-Content-Type-Options":       "nosniff",
			},
		},
		{
			name: "empty config still sets nosniff",
			cfg:  SecurityHeadersConfig{},
			want: map[string]string{
				"X-Frame-Options":        "",
				"X-Content-Type-Options": "nosniff",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := securityHeaders(tt.cfg)
			for k, want := range tt.want {
				if got := h.Get(k); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestSecurityHeaders_RouteOverridesGlobal(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(APISecurityHeadersConfig(false)))
	r.GET("/images/:t", SecurityHeadersMiddleware(ImageSecurityHeadersConfig(false)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	h := serve(r, httptest.NewRequest(http.MethodGet, "/images/x", nil)).Header()
	if got := h.Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Errorf("Cross-Origin-Resource-Policy = %q, want cross-origin", got)
	}
	if got := len(h.Values("Cross-Origin-Resource-Policy")); got != 1 {
		t.Errorf("got %d Cross-Origin-Resource-Policy values, want 1", got)
	}
}
