package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	svc *service.AuditService
}

func NewAuditHandler(svc *service.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// List is admin only; caller and principal narrow the result.
func (h *AuditHandler) List(c *gin.Context) {
	filter := service.AuditFilter{
		Caller:    c.Query("caller"),
		Principal: c.Query("principal"),
		Limit:     100,
	}
	for _, raw := range []string{filter.Caller, filter.Principal} {
		if raw != "" && !common.IsHexAddress(raw) {
			c.Error(apperrors.NewInvalidRequest("invalid address " + raw))
			return
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.Limit = parsed
		}
	}
	if raw := c.Query("from"); raw != "" {
		if t, err := parseTime(raw); err == nil {
			filter.From = &t
		} else {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if t, err := parseTime(raw); err == nil {
			filter.To = &t
		} else {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}

	records, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
