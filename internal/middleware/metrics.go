package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edumanager/edumanager-api/internal/service"
)

// Metrics times every request and feeds the HTTP metrics. The route
// template is preferred over the raw path so ids do not explode label
// cardinality.
func Metrics(metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
