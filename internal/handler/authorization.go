package handler

import (
	"net/http"

	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/gin-gonic/gin"
)

// AuthorizationHandler serves principal-side grant management. The caller is
// always the principal.
type AuthorizationHandler struct {
	svc *service.GatewayService
}

func NewAuthorizationHandler(svc *service.GatewayService) *AuthorizationHandler {
	return &AuthorizationHandler{svc: svc}
}

func (h *AuthorizationHandler) Authorize(c *gin.Context) {
	principal, ok := callerOf(c)
	if !ok {
		return
	}
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req model.AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	grant, err := h.svc.Authorize(c.Request.Context(), principal, agentID, req.Policy)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "policy_hash", grant.PolicyHash.Hex())
	c.JSON(http.StatusCreated, grant)
}

func (h *AuthorizationHandler) Revoke(c *gin.Context) {
	principal, ok := callerOf(c)
	if !ok {
		return
	}
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	grant, err := h.svc.Revoke(c.Request.Context(), principal, agentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *AuthorizationHandler) UpdatePolicy(c *gin.Context) {
	principal, ok := callerOf(c)
	if !ok {
		return
	}
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req model.AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	grant, err := h.svc.UpdatePolicy(c.Request.Context(), principal, agentID, req.Policy)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "policy_hash", grant.PolicyHash.Hex())
	c.JSON(http.StatusOK, grant)
}
