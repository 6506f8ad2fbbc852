package lending

import (
	"context"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Engine is the credit venue the gateway forwards lending actions to.
// Health factors are 1e18 scaled; 1e18 is the liquidation threshold.
type Engine interface {
	SupplyCollateral(ctx context.Context, owner, token common.Address, amount decimal.Decimal) error
	WithdrawCollateral(ctx context.Context, owner, token common.Address, amount decimal.Decimal) error
	Borrow(ctx context.Context, owner, token common.Address, amount decimal.Decimal) error
	Repay(ctx context.Context, owner, token common.Address, amount decimal.Decimal) (decimal.Decimal, error)
	HealthFactor(ctx context.Context, owner common.Address) (decimal.Decimal, error)
	Debt(ctx context.Context, owner, token common.Address) (decimal.Decimal, error)
}

// Projector is implemented by engines that can compute the health factor an
// action would leave behind.
type Projector interface {
	ProjectHealthFactor(ctx context.Context, owner common.Address, kind model.ActionKind, token common.Address, amount decimal.Decimal) (decimal.Decimal, error)
}
