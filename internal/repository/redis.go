package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/config"
	"github.com/redis/go-redis/v9"
)

func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

// keyspace joins key parts under a shared prefix, e.g. agentgate:counters:0xab..:42
type keyspace string

func (k keyspace) key(parts ...string) string {
	return string(k) + strings.Join(parts, ":")
}
