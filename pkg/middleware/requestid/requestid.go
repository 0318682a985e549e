package requestid

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header is the correlation header propagated to and from callers.
const Header = "X-Request-ID"

const ctxKey = "request_id"

// Middleware reuses the caller-supplied X-Request-ID when present and
// mints a fresh one otherwise, exposing it on both the gin context and
// the response.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(Header)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxKey, id)
		c.Writer.Header().Set(Header, id)
		c.Next()
	}
}

// Value returns the request id bound to the current request, or "".
func Value(c *gin.Context) string {
	v, _ := c.Get(ctxKey)
	id, _ := v.(string)
	return id
}
