package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ContextAuditLog = "audit_log"
	HeaderRequestID = "X-Request-ID"

	maxAuditBody = 8 << 10
)

var sensitiveAuditKeys = map[string]struct{}{
	"private_key":      {},
	"signature":        {},
	"sig":              {},
	"wallet_signature": {},
	"admin_key":        {},
	"secret":           {},
}

// teeWriter keeps a bounded copy of the response for the audit entry.
type teeWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *teeWriter) Write(b []byte) (int, error) {
	if room := maxAuditBody - w.buf.Len(); room > 0 {
		if len(b) > room {
			w.buf.Write(b[:room])
		} else {
			w.buf.Write(b)
		}
	}
	return w.ResponseWriter.Write(b)
}

// AuditMiddleware records one entry per request: the caller, the grant the
// request touched and how it ended. Denials carry the violated rule.
func AuditMiddleware(auditSvc *service.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry := &model.AuditLog{
			ID:        uuid.NewString(),
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			CreatedAt: time.Now().UTC(),
			Context:   make(map[string]interface{}),
		}
		c.Header(HeaderRequestID, entry.ID)
		c.Set(ContextAuditLog, entry)

		var reqBody []byte
		if c.Request.Body != nil {
			reqBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(reqBody))
		}
		tee := &teeWriter{ResponseWriter: c.Writer}
		c.Writer = tee

		c.Next()

		auditSubject(c, entry)
		auditOutcome(c, entry)
		entry.RequestBody = redactAuditBody(entry.Path, reqBody)
		entry.ResponseBody = redactAuditBody(entry.Path, tee.buf.Bytes())
		entry.StatusCode = c.Writer.Status()
		entry.LatencyMs = time.Since(entry.CreatedAt).Milliseconds()
		auditSvc.Log(entry)
	}
}

// auditSubject fills caller, principal and agent. Grant management routes are
// signed by the principal, so the caller stands in when the path has none.
func auditSubject(c *gin.Context, entry *model.AuditLog) {
	if caller, ok := CallerFrom(c); ok {
		entry.Caller = strings.ToLower(caller.Hex())
	}
	entry.AgentID = c.Param("agentId")
	switch {
	case c.Param("principal") != "":
		entry.Principal = strings.ToLower(c.Param("principal"))
	case entry.Caller != "" && entry.AgentID != "" && c.Request.Method != "GET":
		entry.Principal = entry.Caller
	}
}

func auditOutcome(c *gin.Context, entry *model.AuditLog) {
	if len(c.Errors) == 0 {
		entry.Context["outcome"] = "ok"
		return
	}
	var appErr *apperrors.AppError
	if !errors.As(c.Errors.Last().Err, &appErr) {
		entry.Context["outcome"] = "error"
		return
	}
	entry.Context["error_code"] = appErr.Type
	if !apperrors.IsDenial(appErr.Type) {
		entry.Context["outcome"] = "error"
		return
	}
	entry.Context["outcome"] = "denied"
	if rule, ok := appErr.Details["rule"]; ok {
		entry.Context["rule"] = rule
	}
}

// AddAuditContext lets handlers attach business fields to the current entry.
func AddAuditContext(c *gin.Context, key string, value interface{}) {
	val, ok := c.Get(ContextAuditLog)
	if !ok {
		return
	}
	if entry, ok := val.(*model.AuditLog); ok {
		entry.Context[key] = value
	}
}

// redactAuditBody masks wallet material on API routes. Bodies that are not
// JSON there are dropped entirely.
func redactAuditBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !strings.HasPrefix(path, "/v1/") && !strings.HasPrefix(path, "/admin") {
		return clip(body)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "[redacted]"
	}
	out, err := json.Marshal(scrub(doc))
	if err != nil {
		return "[redacted]"
	}
	return clip(out)
}

func scrub(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		for k, child := range node {
			if _, hit := sensitiveAuditKeys[strings.ToLower(strings.TrimSpace(k))]; hit {
				node[k] = "***"
				continue
			}
			node[k] = scrub(child)
		}
	case []interface{}:
		for i := range node {
			node[i] = scrub(node[i])
		}
	}
	return v
}

func clip(b []byte) string {
	if len(b) <= maxAuditBody {
		return string(b)
	}
	return string(b[:maxAuditBody]) + "...(truncated)"
}
