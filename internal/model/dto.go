package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ExecuteRequest represents the incoming JSON body of an execute call
type ExecuteRequest struct {
	Action Action `json:"action"`
}

type AuthorizeRequest struct {
	Policy Policy `json:"policy"`
}

type RegisterAgentResponse struct {
	AgentID AgentID        `json:"agent_id"`
	Owner   common.Address `json:"owner"`
}

// ExecutionResult is what the gateway returns for an approved and forwarded action.
type ExecutionResult struct {
	ExecutionID string          `json:"execution_id"`
	Principal   common.Address  `json:"principal"`
	AgentID     AgentID         `json:"agent_id"`
	Kind        ActionKind      `json:"kind"`
	OrderID     string          `json:"order_id,omitempty"`
	Filled      decimal.Decimal `json:"filled"`
	Counters    RollingCounters `json:"counters"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
