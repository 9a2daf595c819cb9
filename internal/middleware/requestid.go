package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier
	RequestIDKey = "request_id"
)

// RequestIDMiddleware tags every request with an identifier. An inbound
// X-Request-ID is reused; otherwise a UUID v4 is generated. The value is stored
// under RequestIDKey and echoed in the response header so clients can match an
// upload or delete to the server log line.
//
// It runs right after gin.Recovery so the access log always has the ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestID returns the identifier assigned by RequestIDMiddleware, or ""
func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
