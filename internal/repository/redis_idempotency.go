package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps one JSON record per key; records expire after ttl.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	ns     keyspace
}

func NewRedisIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, ns: keyspace(prefix)}
}

type idemWire struct {
	Fingerprint string `json:"fp"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	CreatedAt   int64  `json:"created_at"`
	Pending     bool   `json:"pending"`
}

func (s *RedisIdempotencyStore) Reserve(key, fingerprint string) (*middleware.IdempotencyRecord, bool) {
	ctx := context.Background()
	k := s.ns.key("idem", key)
	claim, _ := json.Marshal(idemWire{
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().Unix(),
		Pending:     true,
	})
	ok, err := s.client.SetNX(ctx, k, claim, s.ttl).Result()
	if err == nil && ok {
		return nil, false
	}
	wire, err := s.load(ctx, k)
	if err != nil {
		// 读不到就当作新请求处理
		return nil, false
	}
	return wire.record(), true
}

// Complete keeps the remaining ttl of the claim.
func (s *RedisIdempotencyStore) Complete(key string, status int, body []byte) {
	ctx := context.Background()
	k := s.ns.key("idem", key)
	wire, err := s.load(ctx, k)
	if err != nil {
		return
	}
	wire.Status = status
	wire.Body = body
	wire.Pending = false
	payload, _ := json.Marshal(wire)
	_ = s.client.SetArgs(ctx, k, payload, redis.SetArgs{KeepTTL: true}).Err()
}

func (s *RedisIdempotencyStore) Release(key string) {
	_ = s.client.Del(context.Background(), s.ns.key("idem", key)).Err()
}

func (s *RedisIdempotencyStore) load(ctx context.Context, k string) (*idemWire, error) {
	raw, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		return nil, err
	}
	var wire idemWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return &wire, nil
}

func (w *idemWire) record() *middleware.IdempotencyRecord {
	return &middleware.IdempotencyRecord{
		Fingerprint: w.Fingerprint,
		Status:      w.Status,
		Body:        w.Body,
		CreatedAt:   time.Unix(w.CreatedAt, 0).UTC(),
		Pending:     w.Pending,
	}
}
