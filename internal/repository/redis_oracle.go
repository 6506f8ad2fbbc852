package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisRiskOracle reads metrics published by an external risk feed.
// It looks up oracle:<principal>:<token> first, then oracle:<token>.
type RedisRiskOracle struct {
	client redis.Cmdable
	ns     keyspace
}

func NewRedisRiskOracle(client redis.Cmdable, prefix string) *RedisRiskOracle {
	return &RedisRiskOracle{client: client, ns: keyspace(prefix)}
}

func (o *RedisRiskOracle) principalKey(principal, token common.Address) string {
	return o.ns.key("oracle", strings.ToLower(principal.Hex()), strings.ToLower(token.Hex()))
}

func (o *RedisRiskOracle) tokenKey(token common.Address) string {
	return o.ns.key("oracle", strings.ToLower(token.Hex()))
}

func (o *RedisRiskOracle) RiskMetrics(ctx context.Context, principal common.Address, action *model.Action) (*model.RiskMetrics, error) {
	for _, key := range []string{o.principalKey(principal, action.Token), o.tokenKey(action.Token)} {
		fields, err := o.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		return parseRiskMetrics(fields)
	}
	return nil, fmt.Errorf("no risk metrics for token %s", action.Token.Hex())
}

// Publish stores metrics for token. A zero principal writes the token-wide entry.
func (o *RedisRiskOracle) Publish(ctx context.Context, principal, token common.Address, m model.RiskMetrics) error {
	key := o.tokenKey(token)
	if principal != (common.Address{}) {
		key = o.principalKey(principal, token)
	}
	return o.client.HSet(ctx, key, map[string]interface{}{
		"drawdown_bps":      m.DrawdownBps,
		"pool_tvl":          m.PoolTVL.String(),
		"concentration_bps": m.ConcentrationBps,
		"correlation_bps":   m.CorrelationBps,
	}).Err()
}

func parseRiskMetrics(fields map[string]string) (*model.RiskMetrics, error) {
	var m model.RiskMetrics
	for name, dst := range map[string]*uint32{
		"drawdown_bps":      &m.DrawdownBps,
		"concentration_bps": &m.ConcentrationBps,
		"correlation_bps":   &m.CorrelationBps,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("oracle field %s: %w", name, err)
		}
		if v > model.MaxBps {
			return nil, fmt.Errorf("oracle field %s: %d exceeds %d bps", name, v, model.MaxBps)
		}
		*dst = uint32(v)
	}
	if raw, ok := fields["pool_tvl"]; ok {
		tvl, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("oracle field pool_tvl: %w", err)
		}
		m.PoolTVL = tvl
	}
	return &m, nil
}
