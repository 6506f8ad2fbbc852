package lending

import (
	"context"
	"fmt"
	"sync"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	hfScale = decimal.NewFromInt(model.HealthFactorScale)
	// NoDebtHealthFactor is reported for accounts without debt.
	NoDebtHealthFactor = decimal.New(1, 36)
)

type account struct {
	collateral map[common.Address]decimal.Decimal
	debt       map[common.Address]decimal.Decimal
}

// PaperEngine keeps collateral and debt in memory. Every token is valued at
// its configured price, 1 when unset.
type PaperEngine struct {
	mu             sync.RWMutex
	liquidationLTV decimal.Decimal
	prices         map[common.Address]decimal.Decimal
	accounts       map[common.Address]*account
}

func NewPaperEngine(liquidationLTV decimal.Decimal) *PaperEngine {
	if !liquidationLTV.IsPositive() {
		liquidationLTV = decimal.RequireFromString("0.8")
	}
	return &PaperEngine{
		liquidationLTV: liquidationLTV,
		prices:         make(map[common.Address]decimal.Decimal),
		accounts:       make(map[common.Address]*account),
	}
}

func (e *PaperEngine) SetPrice(token common.Address, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[token] = price
}

func (e *PaperEngine) acct(owner common.Address) *account {
	a, ok := e.accounts[owner]
	if !ok {
		a = &account{
			collateral: make(map[common.Address]decimal.Decimal),
			debt:       make(map[common.Address]decimal.Decimal),
		}
		e.accounts[owner] = a
	}
	return a
}

func (e *PaperEngine) price(token common.Address) decimal.Decimal {
	if p, ok := e.prices[token]; ok {
		return p
	}
	return decimal.NewFromInt(1)
}

func (e *PaperEngine) SupplyCollateral(ctx context.Context, owner, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.acct(owner)
	a.collateral[token] = a.collateral[token].Add(amount)
	return nil
}

func (e *PaperEngine) WithdrawCollateral(ctx context.Context, owner, token common.Address, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.acct(owner)
	if a.collateral[token].LessThan(amount) {
		return fmt.Errorf("insufficient collateral: have %s, want %s", a.collateral[token], amount)
	}
	hf := e.healthFactor(a, model.ActionWithdrawCollateral, token, amount)
	if hf.LessThan(hfScale) {
		return fmt.Errorf("withdrawal would make the account liquidatable")
	}
	a.collateral[token] = a.collateral[token].Sub(amount)
	return nil
}

func (e *PaperEngine) Borrow(ctx context.Context, owner, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.acct(owner)
	hf := e.healthFactor(a, model.ActionBorrow, token, amount)
	if hf.LessThan(hfScale) {
		return fmt.Errorf("borrow would make the account liquidatable")
	}
	a.debt[token] = a.debt[token].Add(amount)
	return nil
}

// Repay returns the amount actually repaid, capped at the outstanding debt.
func (e *PaperEngine) Repay(ctx context.Context, owner, token common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.acct(owner)
	debt := a.debt[token]
	if !debt.IsPositive() {
		return decimal.Zero, fmt.Errorf("no outstanding debt in %s", token.Hex())
	}
	repaid := decimal.Min(debt, amount)
	a.debt[token] = debt.Sub(repaid)
	return repaid, nil
}

func (e *PaperEngine) HealthFactor(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[owner]
	if !ok {
		return NoDebtHealthFactor, nil
	}
	return e.healthFactor(a, "", common.Address{}, decimal.Zero), nil
}

func (e *PaperEngine) ProjectHealthFactor(ctx context.Context, owner common.Address, kind model.ActionKind, token common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[owner]
	if !ok {
		a = &account{collateral: map[common.Address]decimal.Decimal{}, debt: map[common.Address]decimal.Decimal{}}
	}
	return e.healthFactor(a, kind, token, amount), nil
}

func (e *PaperEngine) Debt(ctx context.Context, owner, token common.Address) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[owner]
	if !ok {
		return decimal.Zero, nil
	}
	return a.debt[token], nil
}

// healthFactor = collateral value * LTV / debt value, scaled by 1e18,
// after applying the pending change described by kind.
func (e *PaperEngine) healthFactor(a *account, kind model.ActionKind, token common.Address, amount decimal.Decimal) decimal.Decimal {
	collateral, debt := decimal.Zero, decimal.Zero
	for t, v := range a.collateral {
		collateral = collateral.Add(v.Mul(e.price(t)))
	}
	for t, v := range a.debt {
		debt = debt.Add(v.Mul(e.price(t)))
	}
	delta := amount.Mul(e.price(token))
	switch kind {
	case model.ActionBorrow, model.ActionAutoBorrow:
		debt = debt.Add(delta)
	case model.ActionRepay, model.ActionAutoRepay:
		debt = decimal.Max(decimal.Zero, debt.Sub(delta))
	case model.ActionSupplyCollateral:
		collateral = collateral.Add(delta)
	case model.ActionWithdrawCollateral:
		collateral = decimal.Max(decimal.Zero, collateral.Sub(delta))
	}
	if !debt.IsPositive() {
		return NoDebtHealthFactor
	}
	return collateral.Mul(e.liquidationLTV).Mul(hfScale).Div(debt).Truncate(0)
}
