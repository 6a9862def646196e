package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth rejects requests whose Authorization header is not
// "Bearer <token>". The comparison is constant time. An empty token rejects
// everything.
func BearerAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || len(want) == 0 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}
