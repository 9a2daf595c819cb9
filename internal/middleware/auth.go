package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sikesa/sikesa-backend/internal/auth"
)

// AuthSubjectKey is the gin.Context key holding the token subject
const AuthSubjectKey = "auth_subject"

// AuthMiddleware requires a valid "Authorization: Bearer <jwt>" header.
// A nil signer disables the check so deployments without a secret keep the
// endpoints open.
func AuthMiddleware(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if signer == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, "Missing authorization header.")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			abortUnauthorized(c, "Authorization header must start with 'Bearer '.")
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			abortUnauthorized(c, "Authorization token is empty.")
			return
		}

		claims, err := signer.Validate(token)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token.")
			return
		}
		c.Set(AuthSubjectKey, claims.Subject)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="sikesa"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": msg})
}
