package model

import (
	"time"
)

// AuditLog 代表一次完整的操作审计记录
type AuditLog struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(64)"` // 唯一请求 ID (UUID)
	Caller    string `json:"caller" gorm:"index;type:varchar(42)"`  // 调用方钱包地址
	Principal string `json:"principal,omitempty" gorm:"index;type:varchar(42)"`
	AgentID   string `json:"agent_id,omitempty" gorm:"type:varchar(32)"`
	Method    string `json:"method" gorm:"type:varchar(16)"`
	Path      string `json:"path"`
	IP        string `json:"ip" gorm:"type:varchar(64)"`
	UserAgent string `json:"user_agent"`

	// 请求详情
	RequestBody string `json:"request_body"` // 请求体 (脱敏后)

	// 响应详情
	StatusCode   int    `json:"status_code"`
	ResponseBody string `json:"response_body"`
	LatencyMs    int64  `json:"latency_ms"`

	// 业务上下文: 拒绝原因、执行结果等
	Context map[string]interface{} `json:"context" gorm:"serializer:json;type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
