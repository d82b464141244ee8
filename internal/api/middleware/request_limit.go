// Package middleware provides HTTP middleware for the gateway server.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultMaxRequestSize bounds request bodies on the proxy endpoints.
// 50MB leaves room for long transcripts plus base64-encoded images.
const DefaultMaxRequestSize = 50 * 1024 * 1024

// RequestSizeLimit wraps request bodies in http.MaxBytesReader so oversized
// payloads fail with 413 instead of exhausting memory. getMaxBytes is read
// per request, so config hot-reload takes effect without a restart.
func RequestSizeLimit(getMaxBytes func() int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		maxBytes := getMaxBytes()
		if maxBytes <= 0 {
			maxBytes = DefaultMaxRequestSize
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
