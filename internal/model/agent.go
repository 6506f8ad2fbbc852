package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AgentID 是身份注册表中代理的唯一编号
type AgentID uint64

func (id AgentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseAgentID(raw string) (AgentID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid agent id %q", raw)
	}
	return AgentID(v), nil
}

// GrantKey identifies one (principal, agent) authorization.
type GrantKey struct {
	Principal common.Address `json:"principal"`
	AgentID   AgentID        `json:"agent_id"`
}

func NewGrantKey(principal common.Address, agentID AgentID) GrantKey {
	return GrantKey{Principal: principal, AgentID: agentID}
}

// String is used as the lock and storage key. Addresses are lower-cased.
func (k GrantKey) String() string {
	return strings.ToLower(k.Principal.Hex()) + ":" + k.AgentID.String()
}

func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
