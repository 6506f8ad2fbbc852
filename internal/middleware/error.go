package middleware

import (
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last error recorded on the context as an AppError
// body. Policy denials are expected traffic and logged at debug level.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}

		appErr := apperrors.Wrap(c.Errors.Last().Err)
		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"request_id", c.Writer.Header().Get(HeaderRequestID),
		}
		if caller, ok := CallerFrom(c); ok {
			fields = append(fields, "caller", caller.Hex())
		}

		switch {
		case appErr.HTTPStatus >= 500:
			logger.LogError(c.Request.Context(), appErr, "request failed", fields...)
		case apperrors.IsDenial(appErr.Type):
			logger.Debug(appErr.Message, fields...)
		default:
			logger.Warn(appErr.Message, fields...)
		}

		if !c.Writer.Written() {
			c.JSON(appErr.HTTPStatus, appErr)
		}
	}
}
