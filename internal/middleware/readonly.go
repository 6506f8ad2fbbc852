package middleware

import (
	"net/http"

	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// RevokeRoute stays open in read-only mode so principals can always pull access.
const RevokeRoute = "/v1/agents/:agentId/authorization"

func ReadOnlyMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		if c.Request.Method == http.MethodDelete && c.FullPath() == RevokeRoute {
			c.Next()
			return
		}

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		default:
			c.Error(apperrors.New(apperrors.ErrReadOnly, "read-only mode enabled", nil))
			c.Abort()
			return
		}
	}
}
