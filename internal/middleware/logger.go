package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware writes one slog record per request. Text or JSON output is
// decided by the handler installed in telemetry.SetupLogger. Server errors log
// at error level, client errors at warn.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", RequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if sub := c.GetString(AuthSubjectKey); sub != "" {
			attrs = append(attrs, slog.String("subject", sub))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
