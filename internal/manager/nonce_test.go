package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wallet = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testStores(t *testing.T) map[string]NonceStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]NonceStore{
		"memory": NewMemoryNonceStore(),
		"redis":  NewRedisNonceStore(client, "agentgate:"),
	}
}

func TestNonceManager_StrictlyIncreasing(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewNonceManager(store)

			assert.ErrorIs(t, m.Accept(ctx, wallet, 0), ErrStaleNonce)
			require.NoError(t, m.Accept(ctx, wallet, 5))
			assert.ErrorIs(t, m.Accept(ctx, wallet, 5), ErrStaleNonce)
			assert.ErrorIs(t, m.Accept(ctx, wallet, 3), ErrStaleNonce)
			require.NoError(t, m.Accept(ctx, wallet, 6))

			last, err := m.Last(ctx, wallet)
			require.NoError(t, err)
			assert.Equal(t, uint64(6), last)

			// 不同钱包互不影响
			other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
			require.NoError(t, m.Accept(ctx, other, 1))
		})
	}
}

func TestNonceManager_ConcurrentReplay(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			m := NewNonceManager(store)
			var wg sync.WaitGroup
			var mu sync.Mutex
			accepted := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if m.Accept(context.Background(), wallet, 100) == nil {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, accepted)
		})
	}
}
