package middleware

import (
	"strconv"
	"time"

	"github.com/foldersync/foldersync/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// noRoute labels requests that matched no route so unknown paths cannot
// inflate label cardinality.
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request. The path label is the
// matched route template (e.g. /:repo/info/refs), never the raw URL, so
// every tenant shares one series per route.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the status set
// by error handlers is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
