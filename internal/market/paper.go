package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
	TimeInForceFOK = "FOK"
)

// Fill is one execution against the paper book.
type Fill struct {
	OrderID string          `json:"order_id"`
	Pool    string          `json:"pool"`
	Owner   common.Address  `json:"owner"`
	Side    model.Side      `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	At      time.Time       `json:"at"`
}

type restingOrder struct {
	id        string
	owner     common.Address
	pool      string
	side      model.Side
	price     decimal.Decimal
	remaining decimal.Decimal
}

type planStep struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// PaperEngine is an in-process TradingEngine matching against seeded
// liquidity and resting limit orders. Fills happen at the resting price.
type PaperEngine struct {
	mu      sync.Mutex
	books   map[string]*Orderbook
	resting map[string]*restingOrder
	queues  map[string][]*restingOrder // FIFO per pool, side and price
	fills   []Fill
}

func NewPaperEngine() *PaperEngine {
	return &PaperEngine{
		books:   make(map[string]*Orderbook),
		resting: make(map[string]*restingOrder),
		queues:  make(map[string][]*restingOrder),
	}
}

func (e *PaperEngine) book(pool string) *Orderbook {
	b, ok := e.books[pool]
	if !ok {
		b = NewOrderbook(pool)
		e.books[pool] = b
	}
	return b
}

// Book returns the depth of pool, creating an empty one if needed.
func (e *PaperEngine) Book(pool string) *Orderbook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book(pool)
}

// SeedLiquidity adds anonymous depth to a pool.
func (e *PaperEngine) SeedLiquidity(pool string, side model.Side, price, size decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book(pool).Adjust(side, price, size)
}

func (e *PaperEngine) Fills(owner common.Address) []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Fill, 0)
	for _, f := range e.fills {
		if f.Owner == owner {
			out = append(out, f)
		}
	}
	return out
}

func (e *PaperEngine) ExecuteMarketOrder(ctx context.Context, owner common.Address, pool string, side model.Side, quantity, minOut decimal.Decimal) (*OrderResult, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, filled, quote := e.plan(pool, side, quantity, nil)
	if filled.IsZero() {
		return nil, fmt.Errorf("no liquidity in pool %s", pool)
	}
	out := filled
	if side == model.SideSell {
		out = quote
	}
	if minOut.IsPositive() && out.LessThan(minOut) {
		return nil, fmt.Errorf("min out not met: got %s, want %s", out, minOut)
	}

	id := uuid.New().String()
	e.apply(id, owner, pool, side, plan)
	status := StatusFilled
	if filled.LessThan(quantity) {
		status = StatusPartial
	}
	return &OrderResult{OrderID: id, Status: status, Filled: filled, AvgPrice: quote.Div(filled)}, nil
}

func (e *PaperEngine) PlaceLimitOrder(ctx context.Context, owner common.Address, pool string, price, quantity decimal.Decimal, side model.Side, timeInForce string) (*OrderResult, error) {
	if !price.IsPositive() || !quantity.IsPositive() {
		return nil, fmt.Errorf("price and quantity must be positive")
	}
	tif := strings.ToUpper(strings.TrimSpace(timeInForce))
	if tif == "" {
		tif = TimeInForceGTC
	}
	if tif != TimeInForceGTC && tif != TimeInForceIOC && tif != TimeInForceFOK {
		return nil, fmt.Errorf("unsupported time in force %q", timeInForce)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	plan, filled, quote := e.plan(pool, side, quantity, &price)
	if tif == TimeInForceFOK && filled.LessThan(quantity) {
		return nil, fmt.Errorf("fill-or-kill order cannot be fully filled")
	}

	id := uuid.New().String()
	e.apply(id, owner, pool, side, plan)

	result := &OrderResult{OrderID: id, Filled: filled}
	if filled.IsPositive() {
		result.AvgPrice = quote.Div(filled)
	}
	remaining := quantity.Sub(filled)
	switch {
	case remaining.IsZero():
		result.Status = StatusFilled
	case tif == TimeInForceGTC:
		order := &restingOrder{id: id, owner: owner, pool: pool, side: side, price: price, remaining: remaining}
		e.resting[id] = order
		key := queueKey(pool, side, price)
		e.queues[key] = append(e.queues[key], order)
		e.book(pool).Adjust(side, price, remaining)
		result.Status = StatusResting
	case filled.IsPositive():
		result.Status = StatusPartial
	default:
		result.Status = StatusCancelled
	}
	return result, nil
}

func (e *PaperEngine) CancelOrder(ctx context.Context, owner common.Address, pool string, orderID string) (*OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.resting[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if order.owner != owner {
		return nil, fmt.Errorf("order %s is not owned by %s", orderID, owner.Hex())
	}
	if order.pool != pool {
		return nil, fmt.Errorf("order %s does not belong to pool %s", orderID, pool)
	}
	e.removeResting(order)
	e.book(pool).Adjust(order.side, order.price, order.remaining.Neg())
	return &OrderResult{OrderID: orderID, Status: StatusCancelled, Filled: decimal.Zero}, nil
}

// plan walks the opposite side without mutating anything.
func (e *PaperEngine) plan(pool string, side model.Side, quantity decimal.Decimal, limit *decimal.Decimal) ([]planStep, decimal.Decimal, decimal.Decimal) {
	remaining := quantity
	filled, quote := decimal.Zero, decimal.Zero
	var steps []planStep
	for _, lvl := range e.book(pool).Opposite(side) {
		if !remaining.IsPositive() {
			break
		}
		if limit != nil {
			if side == model.SideBuy && lvl.Price.GreaterThan(*limit) {
				break
			}
			if side == model.SideSell && lvl.Price.LessThan(*limit) {
				break
			}
		}
		take := decimal.Min(remaining, lvl.Size)
		steps = append(steps, planStep{price: lvl.Price, size: take})
		filled = filled.Add(take)
		quote = quote.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	return steps, filled, quote
}

func (e *PaperEngine) apply(orderID string, owner common.Address, pool string, side model.Side, steps []planStep) {
	book := e.book(pool)
	contra := opposite(side)
	now := time.Now().UTC()
	for _, s := range steps {
		book.Adjust(contra, s.price, s.size.Neg())
		e.consumeResting(pool, contra, s.price, s.size)
		e.fills = append(e.fills, Fill{OrderID: orderID, Pool: pool, Owner: owner, Side: side, Price: s.price, Size: s.size, At: now})
	}
}

func (e *PaperEngine) consumeResting(pool string, side model.Side, price, size decimal.Decimal) {
	key := queueKey(pool, side, price)
	queue := e.queues[key]
	for len(queue) > 0 && size.IsPositive() {
		head := queue[0]
		take := decimal.Min(size, head.remaining)
		head.remaining = head.remaining.Sub(take)
		size = size.Sub(take)
		if head.remaining.IsZero() {
			delete(e.resting, head.id)
			queue = queue[1:]
		}
	}
	if len(queue) == 0 {
		delete(e.queues, key)
		return
	}
	e.queues[key] = queue
}

func (e *PaperEngine) removeResting(order *restingOrder) {
	delete(e.resting, order.id)
	key := queueKey(order.pool, order.side, order.price)
	queue := e.queues[key]
	for i, o := range queue {
		if o.id == order.id {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(e.queues, key)
		return
	}
	e.queues[key] = queue
}

func opposite(side model.Side) model.Side {
	if side == model.SideBuy {
		return model.SideSell
	}
	return model.SideBuy
}

func queueKey(pool string, side model.Side, price decimal.Decimal) string {
	return pool + "|" + string(side) + "|" + price.String()
}
