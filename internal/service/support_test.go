package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_SerializesPerKey(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "a")
			require.NoError(t, err)
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.Len())
}

func TestKeyedLocker_IndependentKeysAndCancel(t *testing.T) {
	l := NewKeyedLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA() // second call is a no-op
	assert.Equal(t, 0, l.Len())
}

func TestPolicyStore_LifecycleAndListing(t *testing.T) {
	ctx := context.Background()
	store := NewPolicyStore(NewMemoryGrantRepo())
	key := model.NewGrantKey(principal, agent42)

	g, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, g)

	p := permissivePolicy()
	p.MaxDailyDrawdown = 10
	p.RequiresExternalRiskOracle = false
	installed, err := store.Install(ctx, key, p, t0)
	require.NoError(t, err)
	assert.True(t, installed.Authorized)
	assert.Equal(t, t0.Unix(), installed.Policy.InstalledAt)
	assert.True(t, installed.Policy.RequiresExternalRiskOracle)
	assert.Equal(t, installed.Policy.Hash(), installed.PolicyHash)

	revoked, err := store.MarkRevoked(ctx, installed, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, revoked.Authorized)
	require.NotNil(t, revoked.RevokedAt)
	assert.True(t, installed.Authorized, "input grant must not be mutated")

	_, err = store.Install(ctx, model.NewGrantKey(principal, 7), permissivePolicy(), t0)
	require.NoError(t, err)
	_, err = store.Install(ctx, model.NewGrantKey(stranger, 1), permissivePolicy(), t0)
	require.NoError(t, err)

	list, err := store.ListByPrincipal(ctx, principal)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.AgentID(7), list[0].AgentID)
	assert.Equal(t, agent42, list[1].AgentID)
}

type brokenGrantRepo struct{ MemoryGrantRepo }

func (b *brokenGrantRepo) Get(ctx context.Context, key model.GrantKey) (*model.Grant, error) {
	return nil, errors.New("connection refused")
}

func TestGateway_IsAuthorizedSwallowsStorageErrors(t *testing.T) {
	ledger := NewAuthorizationLedger(NewPolicyStore(&brokenGrantRepo{}), NewMemoryCounterStore(), nil)
	_, err := ledger.IsAuthorized(context.Background(), model.NewGrantKey(principal, agent42))
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal))

	svc := NewGatewayService(NewMemoryIdentityRegistry(), ledger, NewMemoryCounterStore())
	assert.False(t, svc.IsAuthorized(context.Background(), principal, agent42))
}

func TestMemoryIdentityRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryIdentityRegistry()

	_, err := r.Register(ctx, common.Address{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	id, err := r.Register(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, model.AgentID(1), id)

	_, err = r.OwnerOf(ctx, 2)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownAgent))
	_, err = r.ReputationOf(ctx, 2)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownAgent))

	score, err := r.ReputationOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), score)
}

type fakeCaller struct {
	calls atomic.Int32
	reply func(tokenID *big.Int) ([]byte, error)
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls.Add(1)
	tokenID := new(big.Int).SetBytes(msg.Data[4:36])
	return f.reply(tokenID)
}

func newChainRegistry(t *testing.T, caller *fakeCaller, retries int) *ChainIdentityRegistry {
	t.Helper()
	r, err := NewChainIdentityRegistry("", "0x00000000000000000000000000000000000000aa", time.Minute, time.Second, retries)
	require.NoError(t, err)
	return r.WithCaller(caller)
}

func TestChainIdentityRegistry_OwnerOf(t *testing.T) {
	caller := &fakeCaller{}
	r := newChainRegistry(t, caller, 0)
	caller.reply = func(tokenID *big.Int) ([]byte, error) {
		if tokenID.Uint64() != 42 {
			return nil, errors.New("execution reverted: ERC721: invalid token ID")
		}
		return r.parsed.Methods["ownerOf"].Outputs.Pack(owner)
	}

	got, err := r.OwnerOf(context.Background(), agent42)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	// second lookup is served from cache
	_, err = r.OwnerOf(context.Background(), agent42)
	require.NoError(t, err)
	assert.Equal(t, int32(1), caller.calls.Load())

	_, err = r.OwnerOf(context.Background(), 7)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownAgent), "got %v", err)

	_, err = r.Register(context.Background(), owner)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))
}

func TestChainIdentityRegistry_RPCFailure(t *testing.T) {
	caller := &fakeCaller{reply: func(*big.Int) ([]byte, error) {
		return nil, errors.New("connection reset by peer")
	}}
	r := newChainRegistry(t, caller, 1)

	_, err := r.OwnerOf(context.Background(), agent42)
	assert.True(t, apperrors.Is(err, apperrors.ErrCollaboratorFailure), "got %v", err)
	assert.Equal(t, int32(2), caller.calls.Load())
}

func TestNewChainIdentityRegistry_RejectsBadAddress(t *testing.T) {
	_, err := NewChainIdentityRegistry("http://localhost:8545", "not-an-address", 0, 0, 0)
	assert.Error(t, err)
}

func auditEntry(id, caller string, at time.Time) *model.AuditLog {
	return &model.AuditLog{ID: id, Caller: caller, Method: "POST", Path: "/v1/agents", CreatedAt: at}
}

func TestAuditBuffer_RingAndFilters(t *testing.T) {
	b := newAuditBuffer(3)
	alice := strings.ToLower(owner.Hex())
	for i := 0; i < 5; i++ {
		caller := alice
		if i%2 == 1 {
			caller = strings.ToLower(stranger.Hex())
		}
		b.Add(auditEntry(fmt.Sprintf("req-%d", i), caller, t0.Add(time.Duration(i)*time.Minute)))
	}

	all := b.List(AuditFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "req-4", all[0].ID)
	assert.Equal(t, "req-2", all[2].ID)

	mine := b.List(AuditFilter{Caller: owner.Hex()})
	require.Len(t, mine, 2)

	from := t0.Add(3 * time.Minute)
	recent := b.List(AuditFilter{From: &from, Limit: 1})
	require.Len(t, recent, 1)
	assert.Equal(t, "req-4", recent[0].ID)
}

func TestAuditService_WritesFile(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewAuditService(dir, 10, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		svc.Log(auditEntry(fmt.Sprintf("req-%d", i), "x", t0))
	}
	svc.Close()

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(data), "\n"))
}

type memAuditRepo struct {
	mu      sync.Mutex
	entries []*model.AuditLog
	failing bool
}

func (r *memAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memAuditRepo) List(ctx context.Context, filter AuditFilter) ([]*model.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return nil, errors.New("db down")
	}
	return append([]*model.AuditLog(nil), r.entries...), nil
}

func TestAuditService_RepoWithFallback(t *testing.T) {
	repo := &memAuditRepo{}
	svc, err := NewAuditService("", 10, repo)
	require.NoError(t, err)
	svc.Log(auditEntry("a", "x", t0))
	svc.Log(auditEntry("b", "x", t0))
	svc.Close()

	assert.Len(t, repo.entries, 2)
	got, err := svc.List(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	repo.failing = true
	got, err = svc.List(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2, "served from the memory buffer")
}

func TestCallerLimiter(t *testing.T) {
	l := NewCallerLimiter(1, 2)
	assert.True(t, l.Allow(owner))
	assert.True(t, l.Allow(owner))
	assert.False(t, l.Allow(owner))
	assert.True(t, l.Allow(stranger), "buckets are per caller")
	assert.Same(t, l.For(owner), l.For(owner))

	unlimited := NewCallerLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow(owner))
	}
}
