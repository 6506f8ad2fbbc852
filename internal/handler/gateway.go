package handler

import (
	"net/http"

	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/gin-gonic/gin"
)

type GatewayHandler struct {
	svc *service.GatewayService
}

func NewGatewayHandler(svc *service.GatewayService) *GatewayHandler {
	return &GatewayHandler{svc: svc}
}

// Execute runs one action for principal through the agent owned by the caller.
func (h *GatewayHandler) Execute(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	principal, ok := principalParam(c)
	if !ok {
		return
	}
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}

	var req model.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	middleware.AddAuditContext(c, "action", req.Action.Kind)
	res, err := h.svc.Execute(c.Request.Context(), caller, principal, agentID, req.Action)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "execution_id", res.ExecutionID)
	middleware.AddAuditContext(c, "status", "success")
	c.JSON(http.StatusOK, res)
}

func (h *GatewayHandler) Status(c *gin.Context) {
	principal, ok := principalParam(c)
	if !ok {
		return
	}
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	status, err := h.svc.Status(c.Request.Context(), principal, agentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}
