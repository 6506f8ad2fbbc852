package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ErrStaleNonce is returned when a request nonce is not above the last accepted one.
var ErrStaleNonce = errors.New("nonce must be greater than the last accepted nonce")

// NonceStore remembers the highest accepted request nonce per wallet.
type NonceStore interface {
	// Advance stores nonce if it is above the current value, else returns ErrStaleNonce.
	Advance(ctx context.Context, addr common.Address, nonce uint64) error
	Last(ctx context.Context, addr common.Address) (uint64, error)
}

// NonceManager enforces strictly increasing request nonces, which makes
// every signed request single use.
type NonceManager struct {
	store NonceStore
}

func NewNonceManager(store NonceStore) *NonceManager {
	if store == nil {
		store = NewMemoryNonceStore()
	}
	return &NonceManager{store: store}
}

func (m *NonceManager) Accept(ctx context.Context, addr common.Address, nonce uint64) error {
	if nonce == 0 {
		return ErrStaleNonce
	}
	return m.store.Advance(ctx, addr, nonce)
}

func (m *NonceManager) Last(ctx context.Context, addr common.Address) (uint64, error) {
	return m.store.Last(ctx, addr)
}

type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[common.Address]uint64)}
}

func (s *MemoryNonceStore) Advance(ctx context.Context, addr common.Address, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce <= s.nonces[addr] {
		return ErrStaleNonce
	}
	s.nonces[addr] = nonce
	return nil
}

func (s *MemoryNonceStore) Last(ctx context.Context, addr common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[addr], nil
}

// RedisNonceStore shares nonces between gateway instances.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) key(addr common.Address) string {
	return s.prefix + "nonce:" + strings.ToLower(addr.Hex())
}

func (s *RedisNonceStore) Advance(ctx context.Context, addr common.Address, nonce uint64) error {
	key := s.key(addr)
	// WATCH 保证比较和写入之间没有其他实例插入
	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			last, err := readNonce(ctx, tx, key)
			if err != nil {
				return err
			}
			if nonce <= last {
				return ErrStaleNonce
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, strconv.FormatUint(nonce, 10), 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("nonce update for %s kept conflicting", addr.Hex())
}

func (s *RedisNonceStore) Last(ctx context.Context, addr common.Address) (uint64, error) {
	return readNonce(ctx, s.client, s.key(addr))
}

func readNonce(ctx context.Context, c redis.Cmdable, key string) (uint64, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}
