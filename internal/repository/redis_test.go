package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	principal = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	token     = common.HexToAddress("0x000000000000000000000000000000000000000A")
	grantKey  = model.NewGrantKey(principal, 42)
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisCounterStore_RoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisCounterStore(client, "agentgate:")
	ctx := context.Background()

	empty, err := store.Load(ctx, grantKey)
	require.NoError(t, err)
	assert.True(t, empty.Equal(model.RollingCounters{}))

	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	c := model.RollingCounters{}.Record(decimal.RequireFromString("12.5"), 30, at)
	require.NoError(t, store.Save(ctx, grantKey, c))
	assert.True(t, mr.Exists("agentgate:counters:"+grantKey.String()))

	got, err := store.Load(ctx, grantKey)
	require.NoError(t, err)
	assert.True(t, got.Equal(c), "got %+v", got)

	require.NoError(t, store.Reset(ctx, grantKey))
	got, err = store.Load(ctx, grantKey)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.TradesToday)
}

func TestRedisCounterStore_CorruptField(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisCounterStore(client, "agentgate:")
	mr.HSet("agentgate:counters:"+grantKey.String(), "trades_today", "many")

	_, err := store.Load(context.Background(), grantKey)
	assert.Error(t, err)
}

func TestRedisLocker_ExclusiveAndReleased(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, "agentgate:", time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, grantKey.String())
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, grantKey.String())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(ctx, grantKey.String())
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "agentgate:", time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// 锁过期后被别人拿走
	mr.Set("agentgate:lock:k", "someone-else")
	unlock()
	got, err := mr.Get("agentgate:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	mr, client := newTestRedis(t)
	ttl := 300 * time.Millisecond
	l := NewRedisLocker(client, "agentgate:", ttl)

	unlock, err := l.Lock(context.Background(), "slow")
	require.NoError(t, err)

	// 持有时间超过两个 ttl，锁仍然有效
	for i := 0; i < 2; i++ {
		mr.FastForward(250 * time.Millisecond)
		require.True(t, mr.Exists("agentgate:lock:slow"))
		assert.Eventually(t, func() bool {
			return mr.TTL("agentgate:lock:slow") > 250*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("agentgate:lock:slow"))
	unlock()
}

func TestRedisLocker_StopsRenewingLostLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "agentgate:", 300*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	mr.Set("agentgate:lock:k", "someone-else")
	mr.SetTTL("agentgate:lock:k", time.Minute)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, time.Minute, mr.TTL("agentgate:lock:k"), "a foreign lease is never extended")
}

func TestRedisLocker_Serializes(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, "agentgate:", 5*time.Second)

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "shared")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
}

func TestRedisRiskOracle_PrincipalThenToken(t *testing.T) {
	_, client := newTestRedis(t)
	oracle := NewRedisRiskOracle(client, "agentgate:")
	ctx := context.Background()
	action := &model.Action{Kind: model.ActionMarketOrder, Token: token}

	_, err := oracle.RiskMetrics(ctx, principal, action)
	assert.Error(t, err)

	require.NoError(t, oracle.Publish(ctx, common.Address{}, token, model.RiskMetrics{
		DrawdownBps: 10,
		PoolTVL:     decimal.NewFromInt(1_000_000),
	}))
	m, err := oracle.RiskMetrics(ctx, principal, action)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), m.DrawdownBps)
	assert.True(t, m.PoolTVL.Equal(decimal.NewFromInt(1_000_000)))

	require.NoError(t, oracle.Publish(ctx, principal, token, model.RiskMetrics{
		DrawdownBps:      250,
		PoolTVL:          decimal.NewFromInt(5),
		ConcentrationBps: 7,
		CorrelationBps:   9,
	}))
	m, err = oracle.RiskMetrics(ctx, principal, action)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), m.DrawdownBps)
	assert.Equal(t, uint32(7), m.ConcentrationBps)
	assert.Equal(t, uint32(9), m.CorrelationBps)
}

func TestRedisRiskOracle_BadField(t *testing.T) {
	mr, client := newTestRedis(t)
	oracle := NewRedisRiskOracle(client, "agentgate:")
	mr.HSet(oracle.tokenKey(token), "pool_tvl", "lots")

	_, err := oracle.RiskMetrics(context.Background(), principal, &model.Action{Token: token})
	assert.Error(t, err)

	mr.HSet(oracle.tokenKey(token), "pool_tvl", "10")
	mr.HSet(oracle.tokenKey(token), "drawdown_bps", "4294967295")
	_, err = oracle.RiskMetrics(context.Background(), principal, &model.Action{Token: token})
	assert.ErrorContains(t, err, "exceeds 10000 bps")

	mr.HSet(oracle.tokenKey(token), "drawdown_bps", "10000")
	m, err := oracle.RiskMetrics(context.Background(), principal, &model.Action{Token: token})
	require.NoError(t, err)
	assert.Equal(t, uint32(model.MaxBps), m.DrawdownBps)
}

func TestRedisAuditRepo_TrimAndFilter(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewRedisAuditRepo(client, "audit", 4)
	ctx := context.Background()
	base := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		caller := "0xaaa"
		if i%2 == 1 {
			caller = "0xbbb"
		}
		require.NoError(t, repo.Insert(ctx, &model.AuditLog{
			ID:        fmt.Sprintf("req-%d", i),
			Caller:    caller,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Insert(ctx, nil))

	all, err := repo.List(ctx, service.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "req-5", all[0].ID)

	mine, err := repo.List(ctx, service.AuditFilter{Caller: "0xAAA"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "req-4", mine[0].ID)

	from := base.Add(3 * time.Minute)
	recent, err := repo.List(ctx, service.AuditFilter{From: &from})
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "req-3", recent[2].ID)
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client, "agentgate:", time.Minute)

	rec, taken := store.Reserve("k1", "0xaa")
	assert.False(t, taken)
	assert.Nil(t, rec)

	rec, taken = store.Reserve("k1", "0xbb")
	require.True(t, taken)
	assert.True(t, rec.Pending)
	assert.Equal(t, "0xaa", rec.Fingerprint, "first claim wins")

	store.Complete("k1", 201, []byte(`{"ok":true}`))
	rec, taken = store.Reserve("k1", "0xaa")
	require.True(t, taken)
	assert.False(t, rec.Pending)
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Body))
	assert.Equal(t, time.Minute, mr.TTL("agentgate:idem:k1"), "complete keeps the claim ttl")

	store.Release("k1")
	_, taken = store.Reserve("k1", "0xaa")
	assert.False(t, taken)

	// 未被占用的 key 不会被 Complete 凭空创建
	store.Complete("ghost", 200, nil)
	assert.False(t, mr.Exists("agentgate:idem:ghost"))
}

func TestRedisEventPublisher(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	sub := client.Subscribe(ctx, "grants")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisEventPublisher(client, "grants")
	pub.Publish(ctx, model.AuthorizationEvent{
		ID:         "evt-1",
		Principal:  principal,
		AgentID:    42,
		Authorized: true,
		Reason:     "authorize",
		At:         time.Now().UTC(),
	})

	select {
	case msg := <-sub.Channel():
		var evt model.AuthorizationEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		assert.Equal(t, "evt-1", evt.ID)
		assert.Equal(t, model.AgentID(42), evt.AgentID)
		assert.Equal(t, principal, evt.Principal)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
