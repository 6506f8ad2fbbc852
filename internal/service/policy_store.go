package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
)

// ErrGrantNotFound is returned by GrantRepo implementations for unknown keys.
var ErrGrantNotFound = errors.New("grant not found")

type GrantRepo interface {
	Get(ctx context.Context, key model.GrantKey) (*model.Grant, error)
	Save(ctx context.Context, grant *model.Grant) error
	ListByPrincipal(ctx context.Context, principal common.Address) ([]*model.Grant, error)
}

// PolicyStore holds the policy installed for each grant. Revoked grants keep
// their last policy for inspection but never evaluate.
type PolicyStore struct {
	repo GrantRepo
}

func NewPolicyStore(repo GrantRepo) *PolicyStore {
	return &PolicyStore{repo: repo}
}

// Get returns the grant or nil when none was ever installed.
func (s *PolicyStore) Get(ctx context.Context, key model.GrantKey) (*model.Grant, error) {
	grant, err := s.repo.Get(ctx, key)
	if errors.Is(err, ErrGrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to load grant", err)
	}
	return grant, nil
}

// Install stores policy as the active grant, replacing any revoked one.
func (s *PolicyStore) Install(ctx context.Context, key model.GrantKey, policy model.Policy, now time.Time) (*model.Grant, error) {
	policy.InstalledAt = now.Unix()
	policy.Normalize()
	grant := &model.Grant{
		Principal:   key.Principal,
		AgentID:     key.AgentID,
		Policy:      policy,
		PolicyHash:  policy.Hash(),
		Authorized:  true,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := s.repo.Save(ctx, grant); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to store grant", err)
	}
	return grant, nil
}

// Replace swaps the policy of an existing grant and keeps its install time.
func (s *PolicyStore) Replace(ctx context.Context, grant *model.Grant, policy model.Policy, now time.Time) (*model.Grant, error) {
	policy.InstalledAt = grant.Policy.InstalledAt
	policy.Normalize()
	next := *grant
	next.Policy = policy
	next.PolicyHash = policy.Hash()
	next.UpdatedAt = now
	if err := s.repo.Save(ctx, &next); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to store grant", err)
	}
	return &next, nil
}

// MarkRevoked flips the grant to unauthorized.
func (s *PolicyStore) MarkRevoked(ctx context.Context, grant *model.Grant, now time.Time) (*model.Grant, error) {
	next := *grant
	next.Authorized = false
	next.UpdatedAt = now
	revokedAt := now
	next.RevokedAt = &revokedAt
	if err := s.repo.Save(ctx, &next); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to store grant", err)
	}
	return &next, nil
}

func (s *PolicyStore) ListByPrincipal(ctx context.Context, principal common.Address) ([]*model.Grant, error) {
	return s.repo.ListByPrincipal(ctx, principal)
}

type MemoryGrantRepo struct {
	mu     sync.RWMutex
	grants map[model.GrantKey]model.Grant
}

func NewMemoryGrantRepo() *MemoryGrantRepo {
	return &MemoryGrantRepo{grants: make(map[model.GrantKey]model.Grant)}
}

func (r *MemoryGrantRepo) Get(ctx context.Context, key model.GrantKey) (*model.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[key]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return &g, nil
}

func (r *MemoryGrantRepo) Save(ctx context.Context, grant *model.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[grant.Key()] = *grant
	return nil
}

func (r *MemoryGrantRepo) ListByPrincipal(ctx context.Context, principal common.Address) ([]*model.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Grant, 0)
	for key, g := range r.grants {
		if key.Principal == principal {
			g := g
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
