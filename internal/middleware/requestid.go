package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier.
	RequestIDKey = "request_id"
)

// maxRequestIDLen bounds an inbound X-Request-ID before it reaches the logs.
const maxRequestIDLen = 128

// usableRequestID reports whether an inbound id can be logged verbatim:
// non-empty, bounded and printable ASCII only.
func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDMiddleware reuses a usable inbound X-Request-ID (set by a load
// balancer or the caller) or generates a UUID. The id is stored under
// RequestIDKey and echoed in the response.
//
// Register it first so every log record and the gateway subprocess log
// carry the id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !usableRequestID(id) {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
