package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ScaleX-Protocol/agentgate/internal/config"
	"github.com/ScaleX-Protocol/agentgate/internal/manager"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactAuditBody_Authorization(t *testing.T) {
	body := []byte(`{"policy":{"enabled":true},"signature":"0xdead","nested":[{"private_key":"k","Secret":"s"}]}`)
	out := redactAuditBody("/v1/agents/42/authorization", body)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	assert.Equal(t, "***", data["signature"])
	nested := data["nested"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "***", nested["private_key"])
	assert.Equal(t, "***", nested["Secret"])
	assert.Equal(t, true, data["policy"].(map[string]interface{})["enabled"])
}

func TestRedactAuditBody_Passthrough(t *testing.T) {
	assert.Equal(t, `{"ok":true}`, redactAuditBody("/health", []byte(`{"ok":true}`)))
	assert.Equal(t, "[redacted]", redactAuditBody("/v1/principals/0xabc/agents/1/execute", []byte("not-json")))
	assert.Empty(t, redactAuditBody("/v1/agents", nil))

	long := strings.Repeat("a", maxAuditBody+10)
	assert.True(t, strings.HasSuffix(redactAuditBody("/health", []byte(long)), "...(truncated)"))
}

func TestAuditMiddleware_RecordsOutcome(t *testing.T) {
	audit, err := service.NewAuditService("", 10, nil)
	require.NoError(t, err)
	defer audit.Close()

	r := gin.New()
	r.Use(AuditMiddleware(audit))
	r.Use(ErrorHandler())
	r.Use(WalletAuthMiddleware(&config.Config{}, manager.NewNonceManager(nil)))
	r.POST("/v1/principals/:principal/agents/:agentId/execute", func(c *gin.Context) {
		AddAuditContext(c, "action", "market_order")
		c.Error(apperrors.New(apperrors.ErrCooldownActive, "cooldown", nil).
			WithDetails(map[string]any{"rule": "min_time_between_trades"}))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/principals/0x00000000000000000000000000000000000000D1/agents/42/execute", strings.NewReader(`{"action":{}}`))
	req.Header.Set(HeaderWalletAddress, "0x00000000000000000000000000000000000000e1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	entries, err := audit.List(req.Context(), service.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "0x00000000000000000000000000000000000000e1", e.Caller)
	assert.Equal(t, "0x00000000000000000000000000000000000000d1", e.Principal)
	assert.Equal(t, "42", e.AgentID)
	assert.Equal(t, http.StatusTooManyRequests, e.StatusCode)
	assert.Equal(t, "denied", e.Context["outcome"])
	assert.Equal(t, "min_time_between_trades", e.Context["rule"])
	assert.Equal(t, "market_order", e.Context["action"])
	assert.Contains(t, e.ResponseBody, "COOLDOWN_ACTIVE")
}
