package service

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// CallerLimiter hands out one token bucket per calling wallet.
type CallerLimiter struct {
	mu       sync.Mutex
	limiters map[common.Address]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewCallerLimiter(qps float64, burst int) *CallerLimiter {
	// 0 表示不限流
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &CallerLimiter{
		limiters: make(map[common.Address]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *CallerLimiter) For(caller common.Address) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[caller] = lim
	}
	return lim
}

func (l *CallerLimiter) Allow(caller common.Address) bool {
	return l.For(caller).Allow()
}
