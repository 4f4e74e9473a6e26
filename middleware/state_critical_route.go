package middleware

import (
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// A state critical route is a handler that mutates essential runtime
// state: worker records, heartbeat deadlines, or checkpoint
// bookkeeping. If a panic occurs while handling a request to such a
// route, the process terminates immediately. A panic there usually
// means the internal bookkeeping has become inconsistent, and serving
// further requests against broken invariants is worse than restarting.
func StateCritical(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("state critical route panicked", zap.Any("err", err))
				os.Exit(1)
			}
		}()
		c.Next()
	}
}
