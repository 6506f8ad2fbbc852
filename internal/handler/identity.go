package handler

import (
	"net/http"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/gin-gonic/gin"
)

type IdentityHandler struct {
	svc *service.GatewayService
}

func NewIdentityHandler(svc *service.GatewayService) *IdentityHandler {
	return &IdentityHandler{svc: svc}
}

// Register mints a new agent owned by the caller.
func (h *IdentityHandler) Register(c *gin.Context) {
	owner, ok := callerOf(c)
	if !ok {
		return
	}
	id, err := h.svc.RegisterAgent(c.Request.Context(), owner)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, model.RegisterAgentResponse{AgentID: id, Owner: owner})
}

func (h *IdentityHandler) OwnerOf(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	owner, err := h.svc.OwnerOf(c.Request.Context(), agentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, model.RegisterAgentResponse{AgentID: agentID, Owner: owner})
}
