package middleware

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

const (
	// RequestIDHeader carries the correlation ID in requests and responses.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key holding the correlation ID.
	RequestIDKey = "request_id"

	requestIDBytes = 8
)

// RequestID tags every request with a correlation ID. A caller-supplied
// X-Request-ID is kept so that device commands can be traced across the
// dashboard, this service, and its logs; otherwise one is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = newRequestID()
		}

		c.Header(RequestIDHeader, requestID)
		c.Set(RequestIDKey, requestID)
		c.Next()
	}
}

func newRequestID() string {
	buf := make([]byte, requestIDBytes)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// GetRequestID returns the correlation ID for the request, or "" when the
// middleware is not installed.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		return requestID.(string)
	}
	return ""
}
