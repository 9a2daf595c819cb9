// Package middleware provides the Gin middleware shared by every route of the
// image and device API: request IDs, access logging, Prometheus metrics,
// security headers, CORS, rate limiting and bearer authentication.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sikesa/sikesa-backend/internal/telemetry"
)

// noRoute labels requests that matched no route so unknown paths do not
// create new series
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request. The path label is the
// matched route template (/images/:imageToken), never the raw URL.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
