package repository

import (
	"context"
	"encoding/json"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/redis/go-redis/v9"
)

const auditPage = 200

// RedisAuditRepo keeps the newest listMax entries in a capped list, newest first.
type RedisAuditRepo struct {
	client  redis.Cmdable
	listKey string
	listMax int
}

func NewRedisAuditRepo(client redis.Cmdable, listKey string, listMax int) *RedisAuditRepo {
	if listKey == "" {
		listKey = "audit_logs"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisAuditRepo{client: client, listKey: listKey, listMax: listMax}
}

func (r *RedisAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.listKey, payload)
		pipe.LTrim(ctx, r.listKey, 0, int64(r.listMax-1))
		return nil
	})
	return err
}

// List pages through the list until limit matches are found. Paging stops
// early once entries are older than filter.From.
func (r *RedisAuditRepo) List(ctx context.Context, filter service.AuditFilter) ([]*model.AuditLog, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	out := make([]*model.AuditLog, 0, limit)
	for start := 0; start < r.listMax; start += auditPage {
		page, err := r.client.LRange(ctx, r.listKey, int64(start), int64(start+auditPage-1)).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range page {
			var entry model.AuditLog
			if json.Unmarshal([]byte(raw), &entry) != nil {
				continue
			}
			if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
				return out, nil
			}
			if !filter.Match(&entry) {
				continue
			}
			out = append(out, &entry)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(page) < auditPage {
			break
		}
	}
	return out, nil
}
