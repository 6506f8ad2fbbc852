package middleware

import (
	"crypto/subtle"

	"github.com/ScaleX-Protocol/agentgate/internal/config"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware guards operator routes with a shared key. Without a
// configured key the routes are closed.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			c.Error(apperrors.New(apperrors.ErrNotFound, "admin routes are disabled", nil))
			c.Abort()
			return
		}
		given := []byte(c.GetHeader(HeaderAdminKey))
		if subtle.ConstantTimeCompare(given, []byte(cfg.Auth.AdminKey)) != 1 {
			c.Error(apperrors.New(apperrors.ErrAuthFailed, "invalid "+HeaderAdminKey, nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
