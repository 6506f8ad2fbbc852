package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	// MaxBps is 100% expressed in basis points.
	MaxBps = 10000
	// HealthFactorScale is the fixed-point scale of health factors (1.0 == 1e18).
	HealthFactorScale = 1_000_000_000_000_000_000
)

// Policy 是主体为某个代理设置的风控约束。
// 数值上限为 0 表示不限制。
type Policy struct {
	// Lifecycle
	Enabled         bool  `json:"enabled"`
	InstalledAt     int64 `json:"installed_at"`
	ExpiryTimestamp int64 `json:"expiry_timestamp"`

	// Order size bounds
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxOrderSize decimal.Decimal `json:"max_order_size"`

	// Instruments
	WhitelistedTokens []common.Address `json:"whitelisted_tokens"`
	BlacklistedTokens []common.Address `json:"blacklisted_tokens"`

	// Action permissions
	AllowMarketOrders       bool `json:"allow_market_orders"`
	AllowLimitOrders        bool `json:"allow_limit_orders"`
	AllowSwap               bool `json:"allow_swap"`
	AllowBorrow             bool `json:"allow_borrow"`
	AllowRepay              bool `json:"allow_repay"`
	AllowSupplyCollateral   bool `json:"allow_supply_collateral"`
	AllowWithdrawCollateral bool `json:"allow_withdraw_collateral"`
	AllowPlaceLimitOrder    bool `json:"allow_place_limit_order"`
	AllowCancelOrder        bool `json:"allow_cancel_order"`
	AllowBuy                bool `json:"allow_buy"`
	AllowSell               bool `json:"allow_sell"`

	// Automated credit
	AllowAutoBorrow     bool            `json:"allow_auto_borrow"`
	MaxAutoBorrowAmount decimal.Decimal `json:"max_auto_borrow_amount"`
	AllowAutoRepay      bool            `json:"allow_auto_repay"`
	MinDebtToRepay      decimal.Decimal `json:"min_debt_to_repay"`

	// Risk parameters
	MinHealthFactor      decimal.Decimal `json:"min_health_factor"`
	MaxSlippageBps       uint32          `json:"max_slippage_bps"`
	MinTimeBetweenTrades int64           `json:"min_time_between_trades"`

	// Volume and drawdown
	DailyVolumeLimit  decimal.Decimal `json:"daily_volume_limit"`
	WeeklyVolumeLimit decimal.Decimal `json:"weekly_volume_limit"`
	MaxDailyDrawdown  uint32          `json:"max_daily_drawdown"`
	MaxWeeklyDrawdown uint32          `json:"max_weekly_drawdown"`

	// Market-relative limits
	MaxTradeVsTVLBps            uint32 `json:"max_trade_vs_tvl_bps"`
	MaxPositionConcentrationBps uint32 `json:"max_position_concentration_bps"`
	MaxCorrelationBps           uint32 `json:"max_correlation_bps"`

	// Frequency
	MaxTradesPerDay  uint32 `json:"max_trades_per_day"`
	MaxTradesPerHour uint32 `json:"max_trades_per_hour"`

	// Trading window, UTC hours, inclusive. 0/0 means unrestricted.
	TradingStartHour uint8 `json:"trading_start_hour"`
	TradingEndHour   uint8 `json:"trading_end_hour"`

	// Reputation
	MinReputationScore      uint64 `json:"min_reputation_score"`
	UseReputationMultiplier bool   `json:"use_reputation_multiplier"`

	// Derived. Always recomputed by Normalize.
	RequiresExternalRiskOracle bool `json:"requires_external_risk_oracle"`
}

// NeedsRiskOracle reports whether any configured volume or market limit
// needs external figures to be checked.
func (p *Policy) NeedsRiskOracle() bool {
	return p.DailyVolumeLimit.IsPositive() ||
		p.WeeklyVolumeLimit.IsPositive() ||
		p.MaxDailyDrawdown > 0 ||
		p.MaxWeeklyDrawdown > 0 ||
		p.MaxTradeVsTVLBps > 0 ||
		p.MaxPositionConcentrationBps > 0 ||
		p.MaxCorrelationBps > 0
}

// Normalize fills the derived fields. Call it before storing a policy.
func (p *Policy) Normalize() {
	p.RequiresExternalRiskOracle = p.NeedsRiskOracle()
	if p.WhitelistedTokens == nil {
		p.WhitelistedTokens = []common.Address{}
	}
	if p.BlacklistedTokens == nil {
		p.BlacklistedTokens = []common.Address{}
	}
}

// Validate checks internal consistency. now is unix seconds.
func (p *Policy) Validate(now int64) error {
	for name, v := range map[string]decimal.Decimal{
		"min_order_size":         p.MinOrderSize,
		"max_order_size":         p.MaxOrderSize,
		"max_auto_borrow_amount": p.MaxAutoBorrowAmount,
		"min_debt_to_repay":      p.MinDebtToRepay,
		"min_health_factor":      p.MinHealthFactor,
		"daily_volume_limit":     p.DailyVolumeLimit,
		"weekly_volume_limit":    p.WeeklyVolumeLimit,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if p.MaxOrderSize.IsPositive() && p.MinOrderSize.GreaterThan(p.MaxOrderSize) {
		return fmt.Errorf("min_order_size %s exceeds max_order_size %s", p.MinOrderSize, p.MaxOrderSize)
	}
	for name, v := range map[string]uint32{
		"max_slippage_bps":               p.MaxSlippageBps,
		"max_daily_drawdown":             p.MaxDailyDrawdown,
		"max_weekly_drawdown":            p.MaxWeeklyDrawdown,
		"max_trade_vs_tvl_bps":           p.MaxTradeVsTVLBps,
		"max_position_concentration_bps": p.MaxPositionConcentrationBps,
		"max_correlation_bps":            p.MaxCorrelationBps,
	} {
		if v > MaxBps {
			return fmt.Errorf("%s must be at most %d bps", name, MaxBps)
		}
	}
	if p.TradingStartHour > 23 || p.TradingEndHour > 23 {
		return fmt.Errorf("trading hours must be within 0-23")
	}
	if p.MinTimeBetweenTrades < 0 {
		return fmt.Errorf("min_time_between_trades must not be negative")
	}
	if p.ExpiryTimestamp < 0 || (p.ExpiryTimestamp != 0 && p.ExpiryTimestamp < now) {
		return fmt.Errorf("expiry_timestamp must not be in the past")
	}
	return nil
}

// Hash is keccak256 over the canonical JSON encoding of the policy.
func (p *Policy) Hash() common.Hash {
	data, err := json.Marshal(p)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(data)
}

func (p *Policy) AllowsToken(token common.Address) bool {
	for _, t := range p.BlacklistedTokens {
		if t == token {
			return false
		}
	}
	if len(p.WhitelistedTokens) == 0 {
		return true
	}
	for _, t := range p.WhitelistedTokens {
		if t == token {
			return true
		}
	}
	return false
}
