package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCounterStore keeps one hash per grant. Read-modify-write is
// serialized by the grant lock held by the caller.
type RedisCounterStore struct {
	client redis.Cmdable
	ns     keyspace
}

func NewRedisCounterStore(client redis.Cmdable, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, ns: keyspace(prefix)}
}

func (s *RedisCounterStore) makeKey(key model.GrantKey) string {
	return s.ns.key("counters", key.String())
}

func (s *RedisCounterStore) Load(ctx context.Context, key model.GrantKey) (model.RollingCounters, error) {
	var c model.RollingCounters
	fields, err := s.client.HGetAll(ctx, s.makeKey(key)).Result()
	if err != nil {
		return c, err
	}
	if len(fields) == 0 {
		return c, nil
	}
	var perr error
	parseInt := func(name string) int64 {
		raw, ok := fields[name]
		if !ok || perr != nil {
			return 0
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			perr = fmt.Errorf("counter field %s: %w", name, err)
		}
		return v
	}
	parseDec := func(name string) decimal.Decimal {
		raw, ok := fields[name]
		if !ok || perr != nil {
			return decimal.Zero
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			perr = fmt.Errorf("counter field %s: %w", name, err)
		}
		return v
	}

	c.DayIndex = parseInt("day_index")
	c.WeekIndex = parseInt("week_index")
	c.HourIndex = parseInt("hour_index")
	c.VolumeToday = parseDec("volume_today")
	c.VolumeThisWeek = parseDec("volume_this_week")
	c.TradesToday = uint32(parseInt("trades_today"))
	c.TradesThisHour = uint32(parseInt("trades_this_hour"))
	c.LastTradeTimestamp = parseInt("last_trade_timestamp")
	c.DrawdownToday = uint32(parseInt("drawdown_today"))
	c.DrawdownThisWeek = uint32(parseInt("drawdown_this_week"))
	if perr != nil {
		return model.RollingCounters{}, perr
	}
	return c, nil
}

func (s *RedisCounterStore) Save(ctx context.Context, key model.GrantKey, c model.RollingCounters) error {
	return s.client.HSet(ctx, s.makeKey(key), map[string]interface{}{
		"day_index":            c.DayIndex,
		"week_index":           c.WeekIndex,
		"hour_index":           c.HourIndex,
		"volume_today":         c.VolumeToday.String(),
		"volume_this_week":     c.VolumeThisWeek.String(),
		"trades_today":         c.TradesToday,
		"trades_this_hour":     c.TradesThisHour,
		"last_trade_timestamp": c.LastTradeTimestamp,
		"drawdown_today":       c.DrawdownToday,
		"drawdown_this_week":   c.DrawdownThisWeek,
	}).Err()
}

func (s *RedisCounterStore) Reset(ctx context.Context, key model.GrantKey) error {
	return s.client.Del(ctx, s.makeKey(key)).Err()
}
