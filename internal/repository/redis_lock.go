package repository

import (
	"context"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockRetry   = 20 * time.Millisecond
	lockReleaseTimeout = 2 * time.Second
)

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 只给自己持有的锁续期
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes grant operations across gateway instances.
// The lease is renewed every ttl/3 while held, so a holder that dies loses
// the lock after at most ttl.
type RedisLocker struct {
	client *redis.Client
	ns     keyspace
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ns: keyspace(prefix), ttl: ttl, retry: defaultLockRetry}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	lockKey := l.ns.key("lock", key)
	token := uuid.New().String()
	for {
		acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if acquired {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return l.hold(lockKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// hold keeps the lease alive until the returned func is called.
func (l *RedisLocker) hold(lockKey, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.renew(lockKey, token) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
				logger.Warn("failed to release grant lock", "key", lockKey, "error", err)
			}
		})
	}
}

// renew extends the lease. It reports false once the lock is no longer ours.
func (l *RedisLocker) renew(lockKey, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), max(l.ttl/3, time.Millisecond))
	defer cancel()
	n, err := renewScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		// 网络抖动时继续尝试，租约还没到期
		logger.Warn("failed to renew grant lock", "key", lockKey, "error", err)
		return true
	}
	if n == 0 {
		logger.Error("grant lock lost before release", "key", lockKey)
		return false
	}
	return true
}
