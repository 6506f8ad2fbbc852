package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type ActionKind string

const (
	ActionMarketOrder        ActionKind = "market_order"
	ActionLimitOrder         ActionKind = "limit_order"
	ActionCancelOrder        ActionKind = "cancel_order"
	ActionSwap               ActionKind = "swap"
	ActionBorrow             ActionKind = "borrow"
	ActionRepay              ActionKind = "repay"
	ActionSupplyCollateral   ActionKind = "supply_collateral"
	ActionWithdrawCollateral ActionKind = "withdraw_collateral"
	ActionAutoBorrow         ActionKind = "auto_borrow"
	ActionAutoRepay          ActionKind = "auto_repay"
)

func ParseActionKind(raw string) (ActionKind, error) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case ActionMarketOrder, ActionLimitOrder, ActionCancelOrder, ActionSwap,
		ActionBorrow, ActionRepay, ActionSupplyCollateral, ActionWithdrawCollateral,
		ActionAutoBorrow, ActionAutoRepay:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", raw)
	}
}

// IsOrder reports whether the action trades against a pool and carries a side.
func (k ActionKind) IsOrder() bool {
	return k == ActionMarketOrder || k == ActionLimitOrder || k == ActionSwap
}

// IsCounted reports whether an approved action of this kind updates rolling counters.
func (k ActionKind) IsCounted() bool {
	return k != ActionCancelOrder
}

// MovesHealthFactor reports whether the action can lower the principal's health factor.
func (k ActionKind) MovesHealthFactor() bool {
	return k == ActionBorrow || k == ActionWithdrawCollateral || k == ActionAutoBorrow
}

func (k ActionKind) IsLending() bool {
	switch k {
	case ActionBorrow, ActionRepay, ActionSupplyCollateral, ActionWithdrawCollateral, ActionAutoBorrow, ActionAutoRepay:
		return true
	default:
		return false
	}
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", raw)
	}
}

// Action is one operation an agent asks the gateway to perform for a principal.
type Action struct {
	Kind           ActionKind      `json:"kind"`
	Pool           string          `json:"pool,omitempty"`
	Token          common.Address  `json:"token"`
	Side           Side            `json:"side,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	MinOut         decimal.Decimal `json:"min_out"`
	TimeInForce    string          `json:"time_in_force,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	MaxSlippageBps uint32          `json:"max_slippage_bps"`
}

// Validate checks the action is well formed. It says nothing about policy.
func (a *Action) Validate() error {
	if _, err := ParseActionKind(string(a.Kind)); err != nil {
		return err
	}
	switch {
	case a.Kind == ActionCancelOrder:
		if strings.TrimSpace(a.OrderID) == "" {
			return fmt.Errorf("order_id is required for %s", a.Kind)
		}
		if a.Pool == "" {
			return fmt.Errorf("pool is required for %s", a.Kind)
		}
	case a.Kind.IsOrder():
		if a.Pool == "" {
			return fmt.Errorf("pool is required for %s", a.Kind)
		}
		if a.Side != SideBuy && a.Side != SideSell {
			return fmt.Errorf("side must be BUY or SELL")
		}
		if !a.Quantity.IsPositive() {
			return fmt.Errorf("quantity must be positive")
		}
		if a.Price.IsNegative() || a.MinOut.IsNegative() {
			return fmt.Errorf("price and min_out must not be negative")
		}
		if a.Kind == ActionLimitOrder && !a.Price.IsPositive() {
			return fmt.Errorf("price is required for limit orders")
		}
		if a.MaxSlippageBps > MaxBps {
			return fmt.Errorf("max_slippage_bps must be at most %d", MaxBps)
		}
	case a.Kind.IsLending():
		if !a.Amount.IsPositive() {
			return fmt.Errorf("amount must be positive")
		}
	}
	if a.Kind != ActionCancelOrder && a.Token == (common.Address{}) {
		return fmt.Errorf("token is required for %s", a.Kind)
	}
	return nil
}

// Notional is the value the action adds to traded volume.
func (a *Action) Notional() decimal.Decimal {
	if a.Kind.IsLending() {
		return a.Amount
	}
	if a.Price.IsPositive() {
		return a.Quantity.Mul(a.Price)
	}
	return a.Quantity
}

// RiskMetrics are market figures supplied by an external risk oracle.
type RiskMetrics struct {
	DrawdownBps      uint32          `json:"drawdown_bps"`
	PoolTVL          decimal.Decimal `json:"pool_tvl"`
	ConcentrationBps uint32          `json:"concentration_bps"`
	CorrelationBps   uint32          `json:"correlation_bps"`
}
