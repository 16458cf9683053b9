package history

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "throttleq/pkg/logx"
)

const defaultRedisKey = "throttleq:runs"

// redisStore keeps runs in a capped list, newest at the head.
type redisStore struct {
	rdb   *redis.Client
	key   string
	limit int
	log   logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultRedisKey
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisStore{rdb: rdb, key: key, limit: cfg.limit(), log: log}, nil
}

func (s *redisStore) Append(ctx context.Context, r Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, int64(s.limit-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}
	items, err := s.rdb.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(items))
	for _, it := range items {
		var r Run
		if err := json.Unmarshal([]byte(it), &r); err != nil {
			s.log.Warn("skipping corrupt history entry", logx.String("key", s.key), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
