package market

import (
	"sort"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/shopspring/decimal"
)

// Level represents a single price level in the orderbook
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Orderbook is the aggregated depth of one pool.
type Orderbook struct {
	Pool        string
	Bids        []Level // Sorted High to Low
	Asks        []Level // Sorted Low to High
	LastUpdated time.Time
	mu          sync.RWMutex
}

func NewOrderbook(pool string) *Orderbook {
	return &Orderbook{
		Pool: pool,
		Bids: make([]Level, 0),
		Asks: make([]Level, 0),
	}
}

// Snapshot replaces the entire book state
func (ob *Orderbook) Snapshot(bids, asks []Level) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.Bids = sortLevels(bids, true)
	ob.Asks = sortLevels(asks, false)
	ob.LastUpdated = time.Now()
}

// Update sets the size resting at price. size 0 removes the level.
func (ob *Orderbook) Update(side model.Side, price, size decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if side == model.SideBuy {
		updateLevel(&ob.Bids, price, size, true)
	} else {
		updateLevel(&ob.Asks, price, size, false)
	}
	ob.LastUpdated = time.Now()
}

// Adjust adds delta (possibly negative) to the size at price.
func (ob *Orderbook) Adjust(side model.Side, price, delta decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	levels := &ob.Asks
	if side == model.SideBuy {
		levels = &ob.Bids
	}
	current := decimal.Zero
	for _, l := range *levels {
		if l.Price.Equal(price) {
			current = l.Size
			break
		}
	}
	next := current.Add(delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	updateLevel(levels, price, next, side == model.SideBuy)
	ob.LastUpdated = time.Now()
}

func updateLevel(levels *[]Level, price, size decimal.Decimal, descending bool) {
	// 线性扫描即可，纸面撮合的档位很少
	idx := -1
	for i, l := range *levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}

	if size.IsZero() {
		if idx != -1 {
			*levels = append((*levels)[:idx], (*levels)[idx+1:]...)
		}
		return
	}

	if idx != -1 {
		(*levels)[idx].Size = size
		return
	}
	*levels = append(*levels, Level{Price: price, Size: size})
	*levels = sortLevels(*levels, descending)
}

func sortLevels(levels []Level, descending bool) []Level {
	sort.SliceStable(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// GetCopy returns a safe copy of the current state (Thread-safe read)
func (ob *Orderbook) GetCopy() (bids, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]Level, len(ob.Bids))
	copy(bids, ob.Bids)
	asks = make([]Level, len(ob.Asks))
	copy(asks, ob.Asks)
	return
}

// Opposite returns the levels an order on side would trade against, best first.
func (ob *Orderbook) Opposite(side model.Side) []Level {
	bids, asks := ob.GetCopy()
	if side == model.SideBuy {
		return asks
	}
	return bids
}
