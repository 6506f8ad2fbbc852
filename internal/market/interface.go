package market

import (
	"context"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	StatusFilled    = "filled"
	StatusPartial   = "partial"
	StatusResting   = "resting"
	StatusCancelled = "cancelled"
)

type OrderResult struct {
	OrderID  string          `json:"order_id"`
	Status   string          `json:"status"`
	Filled   decimal.Decimal `json:"filled"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// TradingEngine executes orders on behalf of a principal. Implementations
// must leave no partial state behind when they return an error.
type TradingEngine interface {
	PlaceLimitOrder(ctx context.Context, owner common.Address, pool string, price, quantity decimal.Decimal, side model.Side, timeInForce string) (*OrderResult, error)
	ExecuteMarketOrder(ctx context.Context, owner common.Address, pool string, side model.Side, quantity, minOut decimal.Decimal) (*OrderResult, error)
	CancelOrder(ctx context.Context, owner common.Address, pool string, orderID string) (*OrderResult, error)
}
