package service

import (
	"context"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// RiskOracle supplies market figures for limits the gateway cannot compute itself.
type RiskOracle interface {
	RiskMetrics(ctx context.Context, principal common.Address, action *model.Action) (*model.RiskMetrics, error)
}

// StaticRiskOracle returns the same figures for every action.
type StaticRiskOracle struct {
	Metrics model.RiskMetrics
}

func (o *StaticRiskOracle) RiskMetrics(ctx context.Context, principal common.Address, action *model.Action) (*model.RiskMetrics, error) {
	m := o.Metrics
	return &m, nil
}

// EventPublisher receives authorization-changed events. Publish must not block.
type EventPublisher interface {
	Publish(ctx context.Context, evt model.AuthorizationEvent)
}

type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, evt model.AuthorizationEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}
