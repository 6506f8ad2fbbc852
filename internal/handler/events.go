package handler

import (
	"net/http"
	"strconv"

	"github.com/ScaleX-Protocol/agentgate/internal/events"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

func principalQuery(c *gin.Context) (*common.Address, bool) {
	raw := c.Query("principal")
	if raw == "" {
		return nil, true
	}
	addr, err := model.ParseAddress(raw)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return nil, false
	}
	return &addr, true
}

func (h *EventsHandler) History(c *gin.Context) {
	principal, ok := principalQuery(c)
	if !ok {
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, h.hub.History(principal, limit))
}

func (h *EventsHandler) Stream(c *gin.Context) {
	principal, ok := principalQuery(c)
	if !ok {
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, principal); err != nil {
		logger.Warn("event stream closed", "error", err)
	}
}
