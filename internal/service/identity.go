package service

import (
	"context"
	"sync"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
)

// IdentityRegistry resolves the owner of an agent. Unknown agents yield ErrUnknownAgent.
type IdentityRegistry interface {
	OwnerOf(ctx context.Context, agentID model.AgentID) (common.Address, error)
}

// AgentRegistrar mints new agent ids owned by the caller.
type AgentRegistrar interface {
	Register(ctx context.Context, owner common.Address) (model.AgentID, error)
}

// ReputationSource scores agents; 100 is neutral.
type ReputationSource interface {
	ReputationOf(ctx context.Context, agentID model.AgentID) (uint64, error)
}

// MemoryIdentityRegistry 进程内注册表，ID 从 1 开始递增
type MemoryIdentityRegistry struct {
	mu         sync.RWMutex
	nextID     model.AgentID
	owners     map[model.AgentID]common.Address
	reputation map[model.AgentID]uint64
}

func NewMemoryIdentityRegistry() *MemoryIdentityRegistry {
	return &MemoryIdentityRegistry{
		nextID:     1,
		owners:     make(map[model.AgentID]common.Address),
		reputation: make(map[model.AgentID]uint64),
	}
}

func (r *MemoryIdentityRegistry) Register(ctx context.Context, owner common.Address) (model.AgentID, error) {
	if owner == (common.Address{}) {
		return 0, apperrors.NewInvalidRequest("owner address is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.owners[id] = owner
	return id, nil
}

// RegisterWithID installs a known id, used when seeding fixtures.
func (r *MemoryIdentityRegistry) RegisterWithID(id model.AgentID, owner common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = owner
	if id >= r.nextID {
		r.nextID = id + 1
	}
}

func (r *MemoryIdentityRegistry) OwnerOf(ctx context.Context, agentID model.AgentID) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[agentID]
	if !ok {
		return common.Address{}, apperrors.Newf(apperrors.ErrUnknownAgent, "agent %s is not registered", agentID)
	}
	return owner, nil
}

func (r *MemoryIdentityRegistry) SetReputation(agentID model.AgentID, score uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reputation[agentID] = score
}

func (r *MemoryIdentityRegistry) ReputationOf(ctx context.Context, agentID model.AgentID) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.owners[agentID]; !ok {
		return 0, apperrors.Newf(apperrors.ErrUnknownAgent, "agent %s is not registered", agentID)
	}
	score, ok := r.reputation[agentID]
	if !ok {
		return 100, nil
	}
	return score, nil
}
