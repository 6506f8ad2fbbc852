package service

import (
	"fmt"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

var (
	bpsDenominator = decimal.NewFromInt(model.MaxBps)
	hundred        = decimal.NewFromInt(100)
)

// RiskEnvironment holds the external figures an evaluation may need.
// Nil fields were not fetched.
type RiskEnvironment struct {
	Metrics      *model.RiskMetrics
	HealthFactor *decimal.Decimal // projected after the action, 1e18 scaled
	Debt         *decimal.Decimal
	Reputation   *uint64
}

type Violation struct {
	Reason  apperrors.ErrorType `json:"reason"`
	Rule    string              `json:"rule"`
	Message string              `json:"message"`
}

type Decision struct {
	Approved   bool        `json:"approved"`
	Violations []Violation `json:"violations,omitempty"`
}

// First returns the violation that decides the outcome.
func (d Decision) First() *Violation {
	if len(d.Violations) == 0 {
		return nil
	}
	return &d.Violations[0]
}

// Err converts a denial into an AppError carrying the first violated rule.
func (d Decision) Err() error {
	v := d.First()
	if d.Approved || v == nil {
		return nil
	}
	return apperrors.New(v.Reason, v.Message, nil).WithDetails(map[string]any{
		"rule":       v.Rule,
		"violations": d.Violations,
	})
}

type evaluation struct {
	policy   *model.Policy
	action   *model.Action
	counters model.RollingCounters
	env      RiskEnvironment
	now      time.Time
}

type riskCheck func(e *evaluation) []Violation

// staticChecks need nothing beyond the policy and the action.
var staticChecks = []riskCheck{
	checkLifecycle,
	checkActionKind,
	checkSide,
	checkInstrument,
	checkOrderSize,
}

// 检查顺序决定了拒绝时报告哪一条规则
var riskChecks = []riskCheck{
	checkLifecycle,
	checkActionKind,
	checkSide,
	checkInstrument,
	checkOrderSize,
	checkCooldown,
	checkFrequency,
	checkTradingWindow,
	checkLimits,
	checkSlippage,
	checkHealthFactor,
	checkAutoCredit,
	checkReputation,
}

// Evaluate runs every rule against the action and reports all violations in
// rule order. It has no side effects. counters may be stale; windows that
// ended before now are treated as empty.
func Evaluate(policy *model.Policy, action *model.Action, counters model.RollingCounters, env RiskEnvironment, now time.Time) Decision {
	return run(riskChecks, &evaluation{
		policy:   policy,
		action:   action,
		counters: counters.Rollover(now),
		env:      env,
		now:      now.UTC(),
	})
}

// Preflight runs only the checks that need no counters or external figures.
// A denial here is also the first violation Evaluate would report.
func Preflight(policy *model.Policy, action *model.Action, now time.Time) Decision {
	return run(staticChecks, &evaluation{policy: policy, action: action, now: now.UTC()})
}

func run(checks []riskCheck, e *evaluation) Decision {
	var violations []Violation
	for _, check := range checks {
		violations = append(violations, check(e)...)
	}
	return Decision{Approved: len(violations) == 0, Violations: violations}
}

func deny(reason apperrors.ErrorType, rule, format string, args ...any) []Violation {
	return []Violation{{Reason: reason, Rule: rule, Message: fmt.Sprintf(format, args...)}}
}

func checkLifecycle(e *evaluation) []Violation {
	if !e.policy.Enabled {
		return deny(apperrors.ErrPolicyExpiredOrDisabled, "policy_disabled", "policy is disabled")
	}
	if e.policy.ExpiryTimestamp != 0 && e.now.Unix() > e.policy.ExpiryTimestamp {
		return deny(apperrors.ErrPolicyExpiredOrDisabled, "policy_expired",
			"policy expired at %d", e.policy.ExpiryTimestamp)
	}
	return nil
}

func checkActionKind(e *evaluation) []Violation {
	p := e.policy
	var allowed bool
	switch e.action.Kind {
	case model.ActionMarketOrder:
		allowed = p.AllowMarketOrders
	case model.ActionLimitOrder:
		allowed = p.AllowLimitOrders || p.AllowPlaceLimitOrder
	case model.ActionCancelOrder:
		allowed = p.AllowCancelOrder
	case model.ActionSwap:
		allowed = p.AllowSwap
	case model.ActionBorrow:
		allowed = p.AllowBorrow
	case model.ActionRepay:
		allowed = p.AllowRepay
	case model.ActionSupplyCollateral:
		allowed = p.AllowSupplyCollateral
	case model.ActionWithdrawCollateral:
		allowed = p.AllowWithdrawCollateral
	case model.ActionAutoBorrow:
		allowed = p.AllowAutoBorrow
	case model.ActionAutoRepay:
		allowed = p.AllowAutoRepay
	}
	if !allowed {
		return deny(apperrors.ErrActionNotPermitted, "action_kind", "%s is not permitted by policy", e.action.Kind)
	}
	return nil
}

func checkSide(e *evaluation) []Violation {
	if !e.action.Kind.IsOrder() {
		return nil
	}
	switch e.action.Side {
	case model.SideBuy:
		if !e.policy.AllowBuy {
			return deny(apperrors.ErrSideNotPermitted, "side_buy", "buying is not permitted by policy")
		}
	case model.SideSell:
		if !e.policy.AllowSell {
			return deny(apperrors.ErrSideNotPermitted, "side_sell", "selling is not permitted by policy")
		}
	default:
		return deny(apperrors.ErrSideNotPermitted, "side", "unknown side %q", e.action.Side)
	}
	return nil
}

func checkInstrument(e *evaluation) []Violation {
	if e.action.Kind == model.ActionCancelOrder {
		return nil
	}
	if !e.policy.AllowsToken(e.action.Token) {
		return deny(apperrors.ErrInstrumentNotPermitted, "instrument",
			"token %s is not permitted by policy", e.action.Token.Hex())
	}
	return nil
}

func checkOrderSize(e *evaluation) []Violation {
	if !e.action.Kind.IsOrder() {
		return nil
	}
	qty := e.action.Quantity
	if qty.LessThan(e.policy.MinOrderSize) {
		return deny(apperrors.ErrOrderSizeOutOfBounds, "min_order_size",
			"order size %s is below minimum %s", qty, e.policy.MinOrderSize)
	}
	if e.policy.MaxOrderSize.IsPositive() && qty.GreaterThan(e.policy.MaxOrderSize) {
		return deny(apperrors.ErrOrderSizeOutOfBounds, "max_order_size",
			"order size %s exceeds maximum %s", qty, e.policy.MaxOrderSize)
	}
	return nil
}

func checkCooldown(e *evaluation) []Violation {
	if !e.action.Kind.IsCounted() || e.policy.MinTimeBetweenTrades <= 0 || e.counters.LastTradeTimestamp == 0 {
		return nil
	}
	elapsed := e.now.Unix() - e.counters.LastTradeTimestamp
	if elapsed < e.policy.MinTimeBetweenTrades {
		return deny(apperrors.ErrCooldownActive, "min_time_between_trades",
			"%ds since last trade, policy requires %ds", elapsed, e.policy.MinTimeBetweenTrades)
	}
	return nil
}

func checkFrequency(e *evaluation) []Violation {
	if !e.action.Kind.IsCounted() {
		return nil
	}
	var out []Violation
	if max := e.policy.MaxTradesPerDay; max > 0 && e.counters.TradesToday >= max {
		out = append(out, deny(apperrors.ErrFrequencyExceeded, "max_trades_per_day",
			"%d trades today, policy allows %d", e.counters.TradesToday, max)...)
	}
	if max := e.policy.MaxTradesPerHour; max > 0 && e.counters.TradesThisHour >= max {
		out = append(out, deny(apperrors.ErrFrequencyExceeded, "max_trades_per_hour",
			"%d trades this hour, policy allows %d", e.counters.TradesThisHour, max)...)
	}
	return out
}

// InTradingWindow reports whether hour falls in the inclusive UTC window.
// The window wraps past midnight when start > end.
func InTradingWindow(start, end uint8, hour int) bool {
	if start == 0 && end == 0 {
		return true
	}
	h := uint8(hour)
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}

func checkTradingWindow(e *evaluation) []Violation {
	if !e.action.Kind.IsCounted() {
		return nil
	}
	hour := e.now.Hour()
	if !InTradingWindow(e.policy.TradingStartHour, e.policy.TradingEndHour, hour) {
		return deny(apperrors.ErrOutsideTradingWindow, "trading_window",
			"hour %02d UTC is outside %02d-%02d", hour, e.policy.TradingStartHour, e.policy.TradingEndHour)
	}
	return nil
}

// volumeLimit applies the reputation multiplier (score/100) when enabled.
func (e *evaluation) volumeLimit(limit decimal.Decimal) decimal.Decimal {
	if !e.policy.UseReputationMultiplier || e.env.Reputation == nil {
		return limit
	}
	return limit.Mul(decimal.NewFromInt(int64(*e.env.Reputation))).Div(hundred)
}

func checkLimits(e *evaluation) []Violation {
	if !e.action.Kind.IsCounted() {
		return nil
	}
	p := e.policy
	notional := e.action.Notional()
	var out []Violation

	if p.DailyVolumeLimit.IsPositive() {
		limit := e.volumeLimit(p.DailyVolumeLimit)
		if next := e.counters.VolumeToday.Add(notional); next.GreaterThan(limit) {
			out = append(out, deny(apperrors.ErrLimitExceeded, "daily_volume_limit",
				"daily volume would reach %s, limit %s", next, limit)...)
		}
	}
	if p.WeeklyVolumeLimit.IsPositive() {
		limit := e.volumeLimit(p.WeeklyVolumeLimit)
		if next := e.counters.VolumeThisWeek.Add(notional); next.GreaterThan(limit) {
			out = append(out, deny(apperrors.ErrLimitExceeded, "weekly_volume_limit",
				"weekly volume would reach %s, limit %s", next, limit)...)
		}
	}
	m := e.env.Metrics
	if !p.NeedsRiskOracle() || m == nil {
		return out
	}
	// 用 uint64 相加，避免溢出后绕过上限
	if next := uint64(e.counters.DrawdownToday) + uint64(m.DrawdownBps); p.MaxDailyDrawdown > 0 && next > uint64(p.MaxDailyDrawdown) {
		out = append(out, deny(apperrors.ErrLimitExceeded, "max_daily_drawdown",
			"daily drawdown would reach %d bps, limit %d", next, p.MaxDailyDrawdown)...)
	}
	if next := uint64(e.counters.DrawdownThisWeek) + uint64(m.DrawdownBps); p.MaxWeeklyDrawdown > 0 && next > uint64(p.MaxWeeklyDrawdown) {
		out = append(out, deny(apperrors.ErrLimitExceeded, "max_weekly_drawdown",
			"weekly drawdown would reach %d bps, limit %d", next, p.MaxWeeklyDrawdown)...)
	}
	if p.MaxTradeVsTVLBps > 0 {
		if !m.PoolTVL.IsPositive() {
			out = append(out, deny(apperrors.ErrLimitExceeded, "max_trade_vs_tvl_bps", "pool TVL unavailable")...)
		} else {
			share := notional.Mul(bpsDenominator).Div(m.PoolTVL)
			if share.GreaterThan(decimal.NewFromInt(int64(p.MaxTradeVsTVLBps))) {
				out = append(out, deny(apperrors.ErrLimitExceeded, "max_trade_vs_tvl_bps",
					"trade is %s bps of pool TVL, limit %d", share.StringFixed(2), p.MaxTradeVsTVLBps)...)
			}
		}
	}
	if p.MaxPositionConcentrationBps > 0 && m.ConcentrationBps > p.MaxPositionConcentrationBps {
		out = append(out, deny(apperrors.ErrLimitExceeded, "max_position_concentration_bps",
			"position concentration %d bps exceeds %d", m.ConcentrationBps, p.MaxPositionConcentrationBps)...)
	}
	if p.MaxCorrelationBps > 0 && m.CorrelationBps > p.MaxCorrelationBps {
		out = append(out, deny(apperrors.ErrLimitExceeded, "max_correlation_bps",
			"portfolio correlation %d bps exceeds %d", m.CorrelationBps, p.MaxCorrelationBps)...)
	}
	return out
}

func checkSlippage(e *evaluation) []Violation {
	k := e.action.Kind
	if k != model.ActionMarketOrder && k != model.ActionSwap {
		return nil
	}
	if max := e.policy.MaxSlippageBps; max > 0 && e.action.MaxSlippageBps > max {
		return deny(apperrors.ErrSlippageExceeded, "max_slippage_bps",
			"requested slippage %d bps exceeds %d", e.action.MaxSlippageBps, max)
	}
	return nil
}

func checkHealthFactor(e *evaluation) []Violation {
	if !e.action.Kind.MovesHealthFactor() || !e.policy.MinHealthFactor.IsPositive() {
		return nil
	}
	hf := e.env.HealthFactor
	if hf == nil || hf.LessThan(e.policy.MinHealthFactor) {
		return deny(apperrors.ErrHealthFactorTooLow, "min_health_factor",
			"projected health factor %s is below %s", decimalOrUnknown(hf), e.policy.MinHealthFactor)
	}
	return nil
}

// checkAutoCredit applies the automated credit bounds. Permission bits were
// already checked with the action kind.
func checkAutoCredit(e *evaluation) []Violation {
	p := e.policy
	switch e.action.Kind {
	case model.ActionAutoBorrow:
		if p.MaxAutoBorrowAmount.IsPositive() && e.action.Amount.GreaterThan(p.MaxAutoBorrowAmount) {
			return deny(apperrors.ErrLimitExceeded, "max_auto_borrow_amount",
				"auto-borrow amount %s exceeds %s", e.action.Amount, p.MaxAutoBorrowAmount)
		}
	case model.ActionAutoRepay:
		if p.MinDebtToRepay.IsPositive() && (e.env.Debt == nil || e.env.Debt.LessThan(p.MinDebtToRepay)) {
			return deny(apperrors.ErrActionNotPermitted, "min_debt_to_repay",
				"outstanding debt %s is below auto-repay threshold %s", decimalOrUnknown(e.env.Debt), p.MinDebtToRepay)
		}
	}
	return nil
}

func checkReputation(e *evaluation) []Violation {
	min := e.policy.MinReputationScore
	if min == 0 {
		return nil
	}
	if e.env.Reputation == nil || *e.env.Reputation < min {
		score := "unknown"
		if e.env.Reputation != nil {
			score = fmt.Sprint(*e.env.Reputation)
		}
		return deny(apperrors.ErrReputationTooLow, "min_reputation_score",
			"agent reputation %s is below %d", score, min)
	}
	return nil
}

func decimalOrUnknown(d *decimal.Decimal) string {
	if d == nil {
		return "unknown"
	}
	return d.String()
}

// RiskEngine runs the evaluator and records rejections.
type RiskEngine struct{}

func NewRiskEngine() *RiskEngine {
	return &RiskEngine{}
}

// CheckAction 执行前的全部风控检查，返回 error 时必须拒绝
func (r *RiskEngine) CheckAction(policy *model.Policy, action *model.Action, counters model.RollingCounters, env RiskEnvironment, now time.Time) (Decision, error) {
	decision := Evaluate(policy, action, counters, env, now)
	if v := decision.First(); v != nil {
		metrics.RiskRejects.WithLabelValues(v.Rule).Inc()
	}
	return decision, decision.Err()
}
