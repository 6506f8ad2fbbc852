package service

import (
	"context"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/metrics"
	"github.com/google/uuid"
)

const (
	EventAuthorize = "authorize"
	EventRevoke    = "revoke"
	EventUpdate    = "update"
)

// AuthorizationLedger records which (principal, agent) pairs are active and
// announces every change. Callers serialize per pair.
type AuthorizationLedger struct {
	policies *PolicyStore
	counters CounterStore
	events   EventPublisher
}

func NewAuthorizationLedger(policies *PolicyStore, counters CounterStore, events EventPublisher) *AuthorizationLedger {
	if events == nil {
		events = MultiPublisher{}
	}
	return &AuthorizationLedger{policies: policies, counters: counters, events: events}
}

func (l *AuthorizationLedger) Grant(ctx context.Context, key model.GrantKey) (*model.Grant, error) {
	return l.policies.Get(ctx, key)
}

func (l *AuthorizationLedger) IsAuthorized(ctx context.Context, key model.GrantKey) (bool, error) {
	grant, err := l.policies.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return grant != nil && grant.Authorized, nil
}

// Authorize installs policy and starts the grant with zeroed counters.
func (l *AuthorizationLedger) Authorize(ctx context.Context, key model.GrantKey, policy model.Policy, now time.Time) (*model.Grant, error) {
	existing, err := l.policies.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Authorized {
		return nil, apperrors.Newf(apperrors.ErrAlreadyAuthorized, "agent %s is already authorized by %s", key.AgentID, key.Principal.Hex())
	}
	if err := policy.Validate(now.Unix()); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	grant, err := l.policies.Install(ctx, key, policy, now)
	if err != nil {
		return nil, err
	}
	if err := l.counters.Reset(ctx, key); err != nil {
		// 计数器没清零就不能生效，撤回刚装的授权
		if _, rerr := l.policies.MarkRevoked(ctx, grant, now); rerr != nil {
			logger.LogError(ctx, rerr, "failed to roll back grant", "grant", key.String())
		}
		return nil, apperrors.New(apperrors.ErrInternal, "failed to reset counters", err)
	}
	l.emit(ctx, grant, EventAuthorize, now)
	return grant, nil
}

func (l *AuthorizationLedger) Revoke(ctx context.Context, key model.GrantKey, now time.Time) (*model.Grant, error) {
	existing, err := l.policies.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil || !existing.Authorized {
		return nil, apperrors.Newf(apperrors.ErrNotAuthorized, "agent %s is not authorized by %s", key.AgentID, key.Principal.Hex())
	}
	grant, err := l.policies.MarkRevoked(ctx, existing, now)
	if err != nil {
		return nil, err
	}
	l.emit(ctx, grant, EventRevoke, now)
	return grant, nil
}

// UpdatePolicy replaces the policy of an active grant. Counters carry over.
func (l *AuthorizationLedger) UpdatePolicy(ctx context.Context, key model.GrantKey, policy model.Policy, now time.Time) (*model.Grant, error) {
	existing, err := l.policies.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil || !existing.Authorized {
		return nil, apperrors.Newf(apperrors.ErrNotAuthorized, "agent %s is not authorized by %s", key.AgentID, key.Principal.Hex())
	}
	if err := policy.Validate(now.Unix()); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	grant, err := l.policies.Replace(ctx, existing, policy, now)
	if err != nil {
		return nil, err
	}
	l.emit(ctx, grant, EventUpdate, now)
	return grant, nil
}

func (l *AuthorizationLedger) emit(ctx context.Context, grant *model.Grant, reason string, now time.Time) {
	evt := model.AuthorizationEvent{
		ID:         uuid.New().String(),
		Principal:  grant.Principal,
		AgentID:    grant.AgentID,
		Authorized: grant.Authorized,
		PolicyHash: grant.PolicyHash,
		Reason:     reason,
		At:         now,
	}
	metrics.AuthorizationChanges.WithLabelValues(reason).Inc()
	logger.Info("authorization changed",
		"principal", evt.Principal.Hex(),
		"agent_id", evt.AgentID,
		"authorized", evt.Authorized,
		"policy_hash", evt.PolicyHash.Hex(),
		"reason", reason)
	l.events.Publish(ctx, evt)
}
