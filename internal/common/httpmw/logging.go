// Package httpmw holds gin middleware shared by Sentinel's HTTP transport.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
)

// slowRequestThreshold promotes an otherwise-Debug log line to Warn: most
// of Sentinel's API is near-instant map lookups and mutex-guarded state
// reads, so a request crossing this is itself worth a human noticing,
// not just a crash or a 5xx.
const slowRequestThreshold = 500 * time.Millisecond

// RequestLogger logs one line per HTTP request after the handler
// completes. Nearly every Sentinel route is scoped to a single process
// entry via a ":name" path parameter (spec.md 6); when present it's
// pulled into its own "entry" field so a log search for one process's
// API traffic doesn't need to grep the path string.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}
		if name := c.Param("name"); name != "" {
			fields = append(fields, zap.String("entry", name))
		}

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case latency >= slowRequestThreshold:
			log.Warn("http slow request", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
