package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

// Recovery turns a panic into a failed outcome for this request only.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)

				abortFailed(c, http.StatusInternalServerError, model.KindInternal, "Internal server error")
			}
		}()

		c.Next()
	}
}

// abortFailed answers on the proxy's own behalf. The outcome headers tell a
// client that the analysis service was never contacted.
func abortFailed(c *gin.Context, status int, kind, message string) {
	c.Header(model.OutcomeHeader, string(model.OutcomeFailed))
	c.Header(model.ErrorKindHeader, kind)
	c.AbortWithStatusJSON(status, model.ErrorResponse{Error: message, Kind: kind})
}
