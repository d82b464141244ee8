package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth verifies the Bearer token on proxy endpoints against the
// configured keys. An empty key list disables authentication.
func APIKeyAuth(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := keys()
		if len(configured) == 0 {
			c.Next()
			return
		}
		presented := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		for _, key := range configured {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"type":    "invalid_request_error",
				"code":    "invalid_api_key",
				"message": "invalid or missing API key",
			},
		})
	}
}
