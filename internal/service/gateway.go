package service

import (
	"context"
	"errors"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/lending"
	"github.com/ScaleX-Protocol/agentgate/internal/market"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	restoreRetries = 2
	restoreTimeout = 2 * time.Second
)

// GatewayService is the single entry point for agents acting on behalf of
// principals. Every operation on one (principal, agent) pair runs under that
// pair's lock, so check, counter update and forwarding are atomic.
type GatewayService struct {
	identity   IdentityRegistry
	registrar  AgentRegistrar
	reputation ReputationSource
	ledger     *AuthorizationLedger
	counters   CounterStore
	risk       *RiskEngine
	locker     Locker
	trading    market.TradingEngine
	lending    lending.Engine
	oracle     RiskOracle
	now        func() time.Time
}

type GatewayOption func(*GatewayService)

func WithTradingEngine(engine market.TradingEngine) GatewayOption {
	return func(s *GatewayService) { s.trading = engine }
}

func WithLendingEngine(engine lending.Engine) GatewayOption {
	return func(s *GatewayService) { s.lending = engine }
}

func WithRiskOracle(oracle RiskOracle) GatewayOption {
	return func(s *GatewayService) { s.oracle = oracle }
}

func WithReputationSource(src ReputationSource) GatewayOption {
	return func(s *GatewayService) { s.reputation = src }
}

func WithRegistrar(r AgentRegistrar) GatewayOption {
	return func(s *GatewayService) { s.registrar = r }
}

func WithLocker(l Locker) GatewayOption {
	return func(s *GatewayService) { s.locker = l }
}

func WithClock(now func() time.Time) GatewayOption {
	return func(s *GatewayService) { s.now = now }
}

func NewGatewayService(identity IdentityRegistry, ledger *AuthorizationLedger, counters CounterStore, opts ...GatewayOption) *GatewayService {
	s := &GatewayService{
		identity: identity,
		ledger:   ledger,
		counters: counters,
		risk:     NewRiskEngine(),
		locker:   NewKeyedLocker(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GatewayService) lock(ctx context.Context, key model.GrantKey) (func(), error) {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to acquire grant lock", err)
	}
	return unlock, nil
}

func (s *GatewayService) RegisterAgent(ctx context.Context, owner common.Address) (model.AgentID, error) {
	if s.registrar == nil {
		return 0, apperrors.NewInvalidRequest("agent registration is not available on this gateway")
	}
	id, err := s.registrar.Register(ctx, owner)
	if err != nil {
		return 0, err
	}
	logger.Info("agent registered", "agent_id", id, "owner", owner.Hex())
	return id, nil
}

func (s *GatewayService) OwnerOf(ctx context.Context, agentID model.AgentID) (common.Address, error) {
	return s.identity.OwnerOf(ctx, agentID)
}

// Authorize lets principal's agent act under policy. The agent must exist.
func (s *GatewayService) Authorize(ctx context.Context, principal common.Address, agentID model.AgentID, policy model.Policy) (*model.Grant, error) {
	if _, err := s.identity.OwnerOf(ctx, agentID); err != nil {
		return nil, err
	}
	key := model.NewGrantKey(principal, agentID)
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ledger.Authorize(ctx, key, policy, s.now())
}

func (s *GatewayService) Revoke(ctx context.Context, principal common.Address, agentID model.AgentID) (*model.Grant, error) {
	key := model.NewGrantKey(principal, agentID)
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ledger.Revoke(ctx, key, s.now())
}

func (s *GatewayService) UpdatePolicy(ctx context.Context, principal common.Address, agentID model.AgentID, policy model.Policy) (*model.Grant, error) {
	key := model.NewGrantKey(principal, agentID)
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ledger.UpdatePolicy(ctx, key, policy, s.now())
}

// IsAuthorized never fails; storage errors read as not authorized.
func (s *GatewayService) IsAuthorized(ctx context.Context, principal common.Address, agentID model.AgentID) bool {
	ok, err := s.ledger.IsAuthorized(ctx, model.NewGrantKey(principal, agentID))
	if err != nil {
		logger.LogError(ctx, err, "authorization lookup failed", "principal", principal.Hex(), "agent_id", agentID)
		return false
	}
	return ok
}

// Status returns the grant with counters as seen now.
func (s *GatewayService) Status(ctx context.Context, principal common.Address, agentID model.AgentID) (*model.GrantStatus, error) {
	key := model.NewGrantKey(principal, agentID)
	grant, err := s.ledger.Grant(ctx, key)
	if err != nil {
		return nil, err
	}
	status := &model.GrantStatus{
		Principal:  principal,
		AgentID:    agentID,
		Authorized: grant != nil && grant.Authorized,
		Grant:      grant,
	}
	if grant != nil {
		stored, err := s.counters.Load(ctx, key)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "failed to load counters", err)
		}
		rolled := stored.Rollover(s.now())
		status.Counters = &rolled
	}
	return status, nil
}

// Execute checks action against the grant of (principal, agentID) and, when
// approved, forwards it to the trading or lending engine. caller must own the agent.
func (s *GatewayService) Execute(ctx context.Context, caller, principal common.Address, agentID model.AgentID, action model.Action) (*model.ExecutionResult, error) {
	kind := string(action.Kind)
	if err := action.Validate(); err != nil {
		return nil, s.reject(kind, apperrors.NewInvalidRequest(err.Error()))
	}

	owner, err := s.identity.OwnerOf(ctx, agentID)
	if err != nil {
		return nil, s.reject(kind, err)
	}
	if owner != caller {
		return nil, s.reject(kind, apperrors.Newf(apperrors.ErrNotAgentOwner,
			"%s does not own agent %s", caller.Hex(), agentID))
	}

	key := model.NewGrantKey(principal, agentID)
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	grant, err := s.ledger.Grant(ctx, key)
	if err != nil {
		return nil, s.reject(kind, err)
	}
	if grant == nil || !grant.Authorized {
		return nil, s.reject(kind, apperrors.Newf(apperrors.ErrNotAuthorized,
			"agent %s is not authorized by %s", agentID, principal.Hex()))
	}

	now := s.now()
	policy := &grant.Policy
	if err := Preflight(policy, &action, now).Err(); err != nil {
		return nil, s.deny(key, kind, err)
	}

	stored, err := s.counters.Load(ctx, key)
	if err != nil {
		return nil, s.reject(kind, apperrors.New(apperrors.ErrInternal, "failed to load counters", err))
	}
	env, err := s.environment(ctx, principal, agentID, policy, &action)
	if err != nil {
		return nil, s.reject(kind, err)
	}
	if _, err := s.risk.CheckAction(policy, &action, stored, env, now); err != nil {
		return nil, s.deny(key, kind, err)
	}

	next := stored.Rollover(now)
	if action.Kind.IsCounted() {
		var drawdown uint32
		if env.Metrics != nil {
			drawdown = env.Metrics.DrawdownBps
		}
		next = stored.Record(action.Notional(), drawdown, now)
		if err := s.counters.Save(ctx, key, next); err != nil {
			return nil, s.reject(kind, apperrors.New(apperrors.ErrInternal, "failed to save counters", err))
		}
	}

	res, err := s.forward(ctx, principal, &action)
	if err != nil {
		if action.Kind.IsCounted() {
			// 下游失败时恢复原计数器，保持原子性
			if rerr := s.restoreCounters(ctx, key, stored); rerr != nil {
				logger.LogError(ctx, rerr, "failed to restore counters", "grant", key.String())
				return nil, s.reject(kind, apperrors.New(apperrors.ErrInternal,
					"collaborator failed and counters could not be restored", errors.Join(err, rerr)))
			}
		}
		return nil, s.reject(kind, err)
	}

	metrics.ExecutionsTotal.WithLabelValues(kind, "approved").Inc()
	logger.Info("action executed",
		"principal", principal.Hex(),
		"agent_id", agentID,
		"action", kind,
		"order_id", res.OrderID,
		"filled", res.Filled.String())

	return &model.ExecutionResult{
		ExecutionID: uuid.New().String(),
		Principal:   principal,
		AgentID:     agentID,
		Kind:        action.Kind,
		OrderID:     res.OrderID,
		Filled:      res.Filled,
		Counters:    next,
		ExecutedAt:  now,
	}, nil
}

// restoreCounters writes the pre-call snapshot back. Retries run on a fresh
// context so a cancelled request cannot leave the counters advanced.
func (s *GatewayService) restoreCounters(ctx context.Context, key model.GrantKey, snapshot model.RollingCounters) error {
	err := s.counters.Save(ctx, key, snapshot)
	for attempt := 0; err != nil && attempt < restoreRetries; attempt++ {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		err = s.counters.Save(rctx, key, snapshot)
		cancel()
	}
	return err
}

func (s *GatewayService) deny(key model.GrantKey, kind string, err error) error {
	metrics.ExecutionsTotal.WithLabelValues(kind, "denied").Inc()
	logger.Warn("action denied",
		"principal", key.Principal.Hex(),
		"agent_id", key.AgentID,
		"action", kind,
		"reason", apperrors.TypeOf(err),
		"error", err.Error())
	return err
}

func (s *GatewayService) reject(kind string, err error) error {
	status := "rejected"
	if apperrors.Is(err, apperrors.ErrCollaboratorFailure) {
		status = "failed"
	}
	metrics.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	return err
}

// environment gathers the external figures policy needs for action.
func (s *GatewayService) environment(ctx context.Context, principal common.Address, agentID model.AgentID, policy *model.Policy, action *model.Action) (RiskEnvironment, error) {
	var env RiskEnvironment

	if action.Kind.IsCounted() && policy.NeedsRiskOracle() {
		if s.oracle == nil {
			return env, s.collaboratorFailure("risk_oracle", errors.New("risk oracle not configured"))
		}
		m, err := s.oracle.RiskMetrics(ctx, principal, action)
		if err != nil {
			return env, s.collaboratorFailure("risk_oracle", err)
		}
		env.Metrics = m
	}

	if action.Kind.MovesHealthFactor() && policy.MinHealthFactor.IsPositive() {
		if s.lending == nil {
			return env, s.collaboratorFailure("lending_engine", errors.New("lending engine not configured"))
		}
		var hf decimal.Decimal
		var err error
		if p, ok := s.lending.(lending.Projector); ok {
			hf, err = p.ProjectHealthFactor(ctx, principal, action.Kind, action.Token, action.Amount)
		} else {
			hf, err = s.lending.HealthFactor(ctx, principal)
		}
		if err != nil {
			return env, s.collaboratorFailure("lending_engine", err)
		}
		env.HealthFactor = &hf
	}

	if action.Kind == model.ActionAutoRepay && policy.MinDebtToRepay.IsPositive() {
		if s.lending == nil {
			return env, s.collaboratorFailure("lending_engine", errors.New("lending engine not configured"))
		}
		debt, err := s.lending.Debt(ctx, principal, action.Token)
		if err != nil {
			return env, s.collaboratorFailure("lending_engine", err)
		}
		env.Debt = &debt
	}

	if policy.MinReputationScore > 0 || policy.UseReputationMultiplier {
		if s.reputation == nil {
			if policy.MinReputationScore > 0 {
				return env, s.collaboratorFailure("reputation", errors.New("reputation source not configured"))
			}
			return env, nil
		}
		score, err := s.reputation.ReputationOf(ctx, agentID)
		if err != nil {
			return env, s.collaboratorFailure("reputation", err)
		}
		env.Reputation = &score
	}
	return env, nil
}

type forwardResult struct {
	OrderID string
	Filled  decimal.Decimal
}

func (s *GatewayService) forward(ctx context.Context, principal common.Address, a *model.Action) (*forwardResult, error) {
	if a.Kind.IsLending() {
		return s.forwardLending(ctx, principal, a)
	}
	if s.trading == nil {
		return nil, s.collaboratorFailure("trading_engine", errors.New("trading engine not configured"))
	}
	var (
		res *market.OrderResult
		err error
	)
	switch a.Kind {
	case model.ActionMarketOrder, model.ActionSwap:
		res, err = s.trading.ExecuteMarketOrder(ctx, principal, a.Pool, a.Side, a.Quantity, a.MinOut)
	case model.ActionLimitOrder:
		res, err = s.trading.PlaceLimitOrder(ctx, principal, a.Pool, a.Price, a.Quantity, a.Side, a.TimeInForce)
	case model.ActionCancelOrder:
		res, err = s.trading.CancelOrder(ctx, principal, a.Pool, a.OrderID)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "unsupported action %s", a.Kind)
	}
	if err != nil {
		return nil, s.collaboratorFailure("trading_engine", err)
	}
	return &forwardResult{OrderID: res.OrderID, Filled: res.Filled}, nil
}

func (s *GatewayService) forwardLending(ctx context.Context, principal common.Address, a *model.Action) (*forwardResult, error) {
	if s.lending == nil {
		return nil, s.collaboratorFailure("lending_engine", errors.New("lending engine not configured"))
	}
	filled := a.Amount
	var err error
	switch a.Kind {
	case model.ActionSupplyCollateral:
		err = s.lending.SupplyCollateral(ctx, principal, a.Token, a.Amount)
	case model.ActionWithdrawCollateral:
		err = s.lending.WithdrawCollateral(ctx, principal, a.Token, a.Amount)
	case model.ActionBorrow, model.ActionAutoBorrow:
		err = s.lending.Borrow(ctx, principal, a.Token, a.Amount)
	case model.ActionRepay, model.ActionAutoRepay:
		filled, err = s.lending.Repay(ctx, principal, a.Token, a.Amount)
	}
	if err != nil {
		return nil, s.collaboratorFailure("lending_engine", err)
	}
	return &forwardResult{Filled: filled}, nil
}

func (s *GatewayService) collaboratorFailure(name string, err error) error {
	metrics.CollaboratorFailures.WithLabelValues(name).Inc()
	logger.Error("collaborator call failed", "collaborator", name, "error", err)
	return apperrors.NewCollaboratorFailure(name, err)
}
