package handler

import (
	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func agentIDParam(c *gin.Context) (model.AgentID, bool) {
	id, err := model.ParseAgentID(c.Param("agentId"))
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return 0, false
	}
	return id, true
}

func principalParam(c *gin.Context) (common.Address, bool) {
	addr, err := model.ParseAddress(c.Param("principal"))
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return common.Address{}, false
	}
	return addr, true
}

func callerOf(c *gin.Context) (common.Address, bool) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized: missing caller context", nil))
		return common.Address{}, false
	}
	return caller, true
}
