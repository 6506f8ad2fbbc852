package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/lending"
	"github.com/ScaleX-Protocol/agentgate/internal/market"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	principal = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

const agent42 = model.AgentID(42)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.AuthorizationEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt model.AuthorizationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) reasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Reason)
	}
	return out
}

type failingTrader struct{ calls atomic.Int32 }

func (f *failingTrader) PlaceLimitOrder(ctx context.Context, owner common.Address, pool string, price, quantity decimal.Decimal, side model.Side, tif string) (*market.OrderResult, error) {
	f.calls.Add(1)
	return nil, errors.New("venue down")
}

func (f *failingTrader) ExecuteMarketOrder(ctx context.Context, owner common.Address, pool string, side model.Side, quantity, minOut decimal.Decimal) (*market.OrderResult, error) {
	f.calls.Add(1)
	return nil, errors.New("venue down")
}

func (f *failingTrader) CancelOrder(ctx context.Context, owner common.Address, pool string, orderID string) (*market.OrderResult, error) {
	f.calls.Add(1)
	return nil, errors.New("venue down")
}

type gatewayFixture struct {
	svc      *GatewayService
	identity *MemoryIdentityRegistry
	counters *MemoryCounterStore
	trading  *market.PaperEngine
	lending  *lending.PaperEngine
	events   *recordingPublisher
	now      time.Time
}

func newGatewayFixture(t *testing.T, opts ...GatewayOption) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		identity: NewMemoryIdentityRegistry(),
		counters: NewMemoryCounterStore(),
		trading:  market.NewPaperEngine(),
		lending:  lending.NewPaperEngine(decimal.RequireFromString("0.8")),
		events:   &recordingPublisher{},
		now:      t0,
	}
	f.identity.RegisterWithID(agent42, owner)
	f.trading.SeedLiquidity("WETH/USDC", model.SideSell, dec(1), dec(1000))
	f.trading.SeedLiquidity("WETH/USDC", model.SideBuy, dec(1), dec(1000))

	ledger := NewAuthorizationLedger(NewPolicyStore(NewMemoryGrantRepo()), f.counters, f.events)
	base := []GatewayOption{
		WithTradingEngine(f.trading),
		WithLendingEngine(f.lending),
		WithRegistrar(f.identity),
		WithReputationSource(f.identity),
		WithClock(func() time.Time { return f.now }),
	}
	f.svc = NewGatewayService(f.identity, ledger, f.counters, append(base, opts...)...)
	return f
}

func (f *gatewayFixture) authorize(t *testing.T, p model.Policy) {
	t.Helper()
	_, err := f.svc.Authorize(context.Background(), principal, agent42, p)
	require.NoError(t, err)
}

func (f *gatewayFixture) execute(a model.Action) (*model.ExecutionResult, error) {
	return f.svc.Execute(context.Background(), owner, principal, agent42, a)
}

func (f *gatewayFixture) stored(t *testing.T) model.RollingCounters {
	t.Helper()
	c, err := f.counters.Load(context.Background(), model.NewGrantKey(principal, agent42))
	require.NoError(t, err)
	return c
}

func TestGateway_EndToEndAgent42(t *testing.T) {
	f := newGatewayFixture(t)
	p := permissivePolicy()
	p.MaxOrderSize = dec(10)
	p.MinTimeBetweenTrades = 60
	f.authorize(t, p)
	assert.True(t, f.svc.IsAuthorized(context.Background(), principal, agent42))

	res, err := f.execute(buyOrder(5))
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.True(t, res.Filled.Equal(dec(5)))
	assert.Equal(t, uint32(1), res.Counters.TradesToday)
	assert.True(t, res.Counters.VolumeToday.Equal(dec(5)))
	assert.Equal(t, t0.Unix(), res.Counters.LastTradeTimestamp)

	f.now = t0.Add(61 * time.Second)
	_, err = f.execute(buyOrder(20))
	assert.True(t, apperrors.Is(err, apperrors.ErrOrderSizeOutOfBounds), "got %v", err)

	f.now = t0.Add(30 * time.Second)
	_, err = f.execute(buyOrder(5))
	assert.True(t, apperrors.Is(err, apperrors.ErrCooldownActive), "got %v", err)

	// denials leave the counters where the approved trade put them
	c := f.stored(t)
	assert.Equal(t, uint32(1), c.TradesToday)
	assert.True(t, c.VolumeToday.Equal(dec(5)))

	_, err = f.svc.Revoke(context.Background(), principal, agent42)
	require.NoError(t, err)
	assert.False(t, f.svc.IsAuthorized(context.Background(), principal, agent42))

	f.now = t0.Add(5 * time.Minute)
	_, err = f.execute(buyOrder(5))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthorized), "got %v", err)

	assert.Equal(t, []string{EventAuthorize, EventRevoke}, f.events.reasons())
}

func TestGateway_ExecuteRequiresAgentOwner(t *testing.T) {
	f := newGatewayFixture(t)
	f.authorize(t, permissivePolicy())

	_, err := f.svc.Execute(context.Background(), stranger, principal, agent42, buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAgentOwner), "got %v", err)
	assert.True(t, f.stored(t).Equal(model.RollingCounters{}))
	assert.Empty(t, f.trading.Fills(principal))

	_, err = f.svc.Execute(context.Background(), owner, principal, model.AgentID(7), buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownAgent), "got %v", err)
}

func TestGateway_ExecuteWithoutGrant(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthorized), "got %v", err)
	assert.False(t, f.svc.IsAuthorized(context.Background(), principal, agent42))
}

func TestGateway_ExecuteRejectsMalformedAction(t *testing.T) {
	f := newGatewayFixture(t)
	f.authorize(t, permissivePolicy())
	a := buyOrder(1)
	a.Pool = ""
	_, err := f.execute(a)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest), "got %v", err)
}

func TestGateway_AuthorizeLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, principal, model.AgentID(99), permissivePolicy())
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownAgent), "got %v", err)

	_, err = f.svc.Revoke(ctx, principal, agent42)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthorized), "got %v", err)

	f.authorize(t, permissivePolicy())
	_, err = f.svc.Authorize(ctx, principal, agent42, permissivePolicy())
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyAuthorized), "got %v", err)

	_, err = f.execute(buyOrder(3))
	require.NoError(t, err)
	require.Equal(t, uint32(1), f.stored(t).TradesToday)

	_, err = f.svc.Revoke(ctx, principal, agent42)
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, principal, agent42)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthorized), "got %v", err)

	// a fresh grant starts from zero
	grant, err := f.svc.Authorize(ctx, principal, agent42, permissivePolicy())
	require.NoError(t, err)
	assert.True(t, grant.Authorized)
	assert.Nil(t, grant.RevokedAt)
	assert.True(t, f.stored(t).Equal(model.RollingCounters{}))
}

func TestGateway_AuthorizeRejectsInvalidPolicy(t *testing.T) {
	f := newGatewayFixture(t)
	p := permissivePolicy()
	p.MinOrderSize = dec(10)
	p.MaxOrderSize = dec(5)
	_, err := f.svc.Authorize(context.Background(), principal, agent42, p)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest), "got %v", err)
	assert.False(t, f.svc.IsAuthorized(context.Background(), principal, agent42))

	p = permissivePolicy()
	p.ExpiryTimestamp = t0.Unix() - 1
	_, err = f.svc.Authorize(context.Background(), principal, agent42, p)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest), "got %v", err)
}

func TestGateway_UpdatePolicyKeepsCounters(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdatePolicy(ctx, principal, agent42, permissivePolicy())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthorized), "got %v", err)

	f.authorize(t, permissivePolicy())
	_, err = f.execute(buyOrder(4))
	require.NoError(t, err)

	tighter := permissivePolicy()
	tighter.MaxTradesPerDay = 1
	grant, err := f.svc.UpdatePolicy(ctx, principal, agent42, tighter)
	require.NoError(t, err)
	assert.Equal(t, grant.Policy.Hash(), grant.PolicyHash)
	assert.Equal(t, uint32(1), grant.Policy.MaxTradesPerDay)
	assert.Equal(t, t0.Unix(), grant.Policy.InstalledAt)

	f.now = t0.Add(time.Minute)
	_, err = f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrFrequencyExceeded), "got %v", err)
	assert.Equal(t, []string{EventAuthorize, EventUpdate}, f.events.reasons())
}

func TestGateway_CancelIsNotCounted(t *testing.T) {
	f := newGatewayFixture(t)
	f.authorize(t, permissivePolicy())

	limit := model.Action{Kind: model.ActionLimitOrder, Pool: "WETH/USDC", Token: tokenA, Side: model.SideBuy, Price: decimal.RequireFromString("0.5"), Quantity: dec(2)}
	res, err := f.execute(limit)
	require.NoError(t, err)
	require.Equal(t, uint32(1), f.stored(t).TradesToday)

	cancel := model.Action{Kind: model.ActionCancelOrder, Pool: "WETH/USDC", OrderID: res.OrderID}
	_, err = f.execute(cancel)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.stored(t).TradesToday)
	assert.True(t, f.stored(t).VolumeToday.Equal(dec(1)))
}

func TestGateway_CollaboratorFailureRestoresCounters(t *testing.T) {
	trader := &failingTrader{}
	f := newGatewayFixture(t, WithTradingEngine(trader))
	f.authorize(t, permissivePolicy())

	_, err := f.execute(buyOrder(2))
	assert.True(t, apperrors.Is(err, apperrors.ErrCollaboratorFailure), "got %v", err)
	assert.Equal(t, int32(1), trader.calls.Load())
	assert.True(t, f.stored(t).Equal(model.RollingCounters{}))
}

func TestGateway_ConcurrentExecutionsRespectDailyCap(t *testing.T) {
	f := newGatewayFixture(t)
	p := permissivePolicy()
	p.MaxTradesPerDay = 5
	f.authorize(t, p)

	var approved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.execute(buyOrder(1)); err == nil {
				approved.Add(1)
			} else {
				assert.True(t, apperrors.Is(err, apperrors.ErrFrequencyExceeded), "got %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), approved.Load())
	assert.Equal(t, uint32(5), f.stored(t).TradesToday)
	assert.Len(t, f.trading.Fills(principal), 5)
}

func TestGateway_RiskOracle(t *testing.T) {
	p := permissivePolicy()
	p.MaxDailyDrawdown = 100

	f := newGatewayFixture(t)
	f.authorize(t, p)
	_, err := f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrCollaboratorFailure), "got %v", err)

	oracle := &StaticRiskOracle{Metrics: model.RiskMetrics{DrawdownBps: 60}}
	f = newGatewayFixture(t, WithRiskOracle(oracle))
	f.authorize(t, p)
	res, err := f.execute(buyOrder(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(60), res.Counters.DrawdownToday)

	f.now = t0.Add(time.Minute)
	_, err = f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrLimitExceeded), "got %v", err)

	// drawdown resets with the UTC day
	f.now = t0.Add(24 * time.Hour)
	_, err = f.execute(buyOrder(1))
	assert.NoError(t, err)
}

func TestGateway_LendingHealthFactor(t *testing.T) {
	f := newGatewayFixture(t)
	p := permissivePolicy()
	p.MinHealthFactor = decimal.New(15, 17)
	f.authorize(t, p)

	_, err := f.execute(model.Action{Kind: model.ActionSupplyCollateral, Token: tokenA, Amount: dec(100)})
	require.NoError(t, err)

	f.now = t0.Add(time.Minute)
	_, err = f.execute(model.Action{Kind: model.ActionBorrow, Token: tokenA, Amount: dec(60)})
	assert.True(t, apperrors.Is(err, apperrors.ErrHealthFactorTooLow), "got %v", err)

	res, err := f.execute(model.Action{Kind: model.ActionBorrow, Token: tokenA, Amount: dec(40)})
	require.NoError(t, err)
	assert.True(t, res.Filled.Equal(dec(40)))

	debt, err := f.lending.Debt(context.Background(), principal, tokenA)
	require.NoError(t, err)
	assert.True(t, debt.Equal(dec(40)))
}

func TestGateway_AutoRepayNeedsDebt(t *testing.T) {
	f := newGatewayFixture(t)
	p := permissivePolicy()
	p.MinDebtToRepay = dec(10)
	f.authorize(t, p)

	repay := model.Action{Kind: model.ActionAutoRepay, Token: tokenA, Amount: dec(5)}
	_, err := f.execute(repay)
	assert.True(t, apperrors.Is(err, apperrors.ErrActionNotPermitted), "got %v", err)

	require.NoError(t, f.lending.SupplyCollateral(context.Background(), principal, tokenA, dec(100)))
	require.NoError(t, f.lending.Borrow(context.Background(), principal, tokenA, dec(20)))
	res, err := f.execute(repay)
	require.NoError(t, err)
	assert.True(t, res.Filled.Equal(dec(5)))
}

func TestGateway_ReputationGate(t *testing.T) {
	f := newGatewayFixture(t)
	p := permissivePolicy()
	p.MinReputationScore = 80
	f.authorize(t, p)

	// unscored agents are neutral (100)
	_, err := f.execute(buyOrder(1))
	require.NoError(t, err)

	f.identity.SetReputation(agent42, 50)
	f.now = t0.Add(time.Minute)
	_, err = f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrReputationTooLow), "got %v", err)
}

func TestGateway_StatusRollsCountersOver(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	status, err := f.svc.Status(ctx, principal, agent42)
	require.NoError(t, err)
	assert.False(t, status.Authorized)
	assert.Nil(t, status.Grant)
	assert.Nil(t, status.Counters)

	f.authorize(t, permissivePolicy())
	_, err = f.execute(buyOrder(3))
	require.NoError(t, err)

	status, err = f.svc.Status(ctx, principal, agent42)
	require.NoError(t, err)
	assert.True(t, status.Authorized)
	require.NotNil(t, status.Counters)
	assert.Equal(t, uint32(1), status.Counters.TradesToday)

	f.now = t0.Add(24 * time.Hour)
	status, err = f.svc.Status(ctx, principal, agent42)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), status.Counters.TradesToday)
	assert.True(t, status.Counters.VolumeThisWeek.Equal(dec(3)))
	// reads never write back
	assert.Equal(t, uint32(1), f.stored(t).TradesToday)
}

func TestGateway_RegisterAgent(t *testing.T) {
	f := newGatewayFixture(t)
	id, err := f.svc.RegisterAgent(context.Background(), stranger)
	require.NoError(t, err)
	assert.Equal(t, model.AgentID(43), id)

	got, err := f.svc.OwnerOf(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, stranger, got)

	bare := NewGatewayService(f.identity, NewAuthorizationLedger(NewPolicyStore(NewMemoryGrantRepo()), NewMemoryCounterStore(), nil), NewMemoryCounterStore())
	_, err = bare.RegisterAgent(context.Background(), stranger)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest), "got %v", err)
}

func TestGateway_GrantsAreIndependent(t *testing.T) {
	f := newGatewayFixture(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	p := permissivePolicy()
	p.MaxTradesPerDay = 1
	f.authorize(t, p)
	_, err := f.svc.Authorize(context.Background(), other, agent42, p)
	require.NoError(t, err)

	_, err = f.execute(buyOrder(1))
	require.NoError(t, err)
	_, err = f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrFrequencyExceeded))

	_, err = f.svc.Execute(context.Background(), owner, other, agent42, buyOrder(1))
	assert.NoError(t, err)
}

func TestGateway_VolumeLimitNeedsOracle(t *testing.T) {
	p := permissivePolicy()
	p.DailyVolumeLimit = dec(1000)
	p.WeeklyVolumeLimit = dec(5000)

	f := newGatewayFixture(t)
	f.authorize(t, p)
	_, err := f.execute(buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrCollaboratorFailure), "got %v", err)
	assert.True(t, f.stored(t).Equal(model.RollingCounters{}))
	assert.Empty(t, f.trading.Fills(principal))

	f = newGatewayFixture(t, WithRiskOracle(&StaticRiskOracle{}))
	f.authorize(t, p)
	res, err := f.execute(buyOrder(1))
	require.NoError(t, err)
	assert.True(t, res.Counters.VolumeToday.Equal(dec(1)))
}

var errSaveFailed = errors.New("counter store unavailable")

// flakyCounterStore fails Save calls for which fail returns true. n counts
// Save calls from 1.
type flakyCounterStore struct {
	*MemoryCounterStore
	saves    atomic.Int32
	fail     func(n int32) bool
	resetErr error
}

func (s *flakyCounterStore) Save(ctx context.Context, key model.GrantKey, c model.RollingCounters) error {
	if s.fail != nil && s.fail(s.saves.Add(1)) {
		return errSaveFailed
	}
	return s.MemoryCounterStore.Save(ctx, key, c)
}

func (s *flakyCounterStore) Reset(ctx context.Context, key model.GrantKey) error {
	if s.resetErr != nil {
		return s.resetErr
	}
	return s.MemoryCounterStore.Reset(ctx, key)
}

func newFailingVenueGateway(t *testing.T, store CounterStore) *GatewayService {
	t.Helper()
	identity := NewMemoryIdentityRegistry()
	identity.RegisterWithID(agent42, owner)
	ledger := NewAuthorizationLedger(NewPolicyStore(NewMemoryGrantRepo()), store, nil)
	svc := NewGatewayService(identity, ledger, store,
		WithTradingEngine(&failingTrader{}),
		WithClock(func() time.Time { return t0 }))
	_, err := svc.Authorize(context.Background(), principal, agent42, permissivePolicy())
	require.NoError(t, err)
	return svc
}

func TestGateway_RestoreRetriesAfterFailedSave(t *testing.T) {
	// save 1 records the trade, save 2 is the first restore attempt
	store := &flakyCounterStore{MemoryCounterStore: NewMemoryCounterStore(), fail: func(n int32) bool { return n == 2 }}
	svc := newFailingVenueGateway(t, store)

	_, err := svc.Execute(context.Background(), owner, principal, agent42, buyOrder(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrCollaboratorFailure), "got %v", err)
	assert.Equal(t, int32(3), store.saves.Load())

	c, err := store.Load(context.Background(), model.NewGrantKey(principal, agent42))
	require.NoError(t, err)
	assert.True(t, c.Equal(model.RollingCounters{}))
}

func TestGateway_RestoreFailureIsReported(t *testing.T) {
	store := &flakyCounterStore{MemoryCounterStore: NewMemoryCounterStore(), fail: func(n int32) bool { return n > 1 }}
	svc := newFailingVenueGateway(t, store)

	_, err := svc.Execute(context.Background(), owner, principal, agent42, buyOrder(1))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrInternal, apperrors.TypeOf(err))
	assert.ErrorIs(t, err, errSaveFailed)
	assert.ErrorContains(t, err, "venue down")
	assert.Equal(t, int32(1+1+restoreRetries), store.saves.Load())
}

type failingSaveRepo struct{ *MemoryGrantRepo }

func (r *failingSaveRepo) Save(ctx context.Context, grant *model.Grant) error {
	return errors.New("disk full")
}

func TestAuthorizationLedger_InstallFailureKeepsCounters(t *testing.T) {
	ctx := context.Background()
	key := model.NewGrantKey(principal, agent42)
	counters := NewMemoryCounterStore()
	used := model.RollingCounters{}.Record(dec(7), 0, t0)
	require.NoError(t, counters.Save(ctx, key, used))

	ledger := NewAuthorizationLedger(NewPolicyStore(&failingSaveRepo{NewMemoryGrantRepo()}), counters, nil)
	_, err := ledger.Authorize(ctx, key, permissivePolicy(), t0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal), "got %v", err)

	got, err := counters.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Equal(used))
}

func TestAuthorizationLedger_ResetFailureRollsBackGrant(t *testing.T) {
	ctx := context.Background()
	key := model.NewGrantKey(principal, agent42)
	events := &recordingPublisher{}
	store := &flakyCounterStore{MemoryCounterStore: NewMemoryCounterStore(), resetErr: errSaveFailed}
	ledger := NewAuthorizationLedger(NewPolicyStore(NewMemoryGrantRepo()), store, events)

	_, err := ledger.Authorize(ctx, key, permissivePolicy(), t0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal), "got %v", err)
	ok, err := ledger.IsAuthorized(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, events.reasons())
}
