package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Grant 记录主体对某个代理的授权及其当前策略
type Grant struct {
	Principal   common.Address `json:"principal"`
	AgentID     AgentID        `json:"agent_id"`
	Policy      Policy         `json:"policy"`
	PolicyHash  common.Hash    `json:"policy_hash"`
	Authorized  bool           `json:"authorized"`
	InstalledAt time.Time      `json:"installed_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	RevokedAt   *time.Time     `json:"revoked_at,omitempty"`
}

func (g *Grant) Key() GrantKey {
	return GrantKey{Principal: g.Principal, AgentID: g.AgentID}
}

// AuthorizationEvent is emitted on every authorize, revoke and policy update.
type AuthorizationEvent struct {
	ID         string         `json:"id"`
	Principal  common.Address `json:"principal"`
	AgentID    AgentID        `json:"agent_id"`
	Authorized bool           `json:"authorized"`
	PolicyHash common.Hash    `json:"policy_hash"`
	Reason     string         `json:"reason"` // authorize, revoke, update
	At         time.Time      `json:"at"`
}

// GrantStatus is the read view returned by status queries.
type GrantStatus struct {
	Principal  common.Address   `json:"principal"`
	AgentID    AgentID          `json:"agent_id"`
	Authorized bool             `json:"authorized"`
	Grant      *Grant           `json:"grant,omitempty"`
	Counters   *RollingCounters `json:"counters,omitempty"`
}
