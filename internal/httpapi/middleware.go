package httpapi

import (
	"time"

	"contact-center/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Instrument records request counts and latency by route template.
func Instrument(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.APIRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
