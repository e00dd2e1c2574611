package callstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crm-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps a bounded history list and a last-write-wins latest
// record per key, shared by every API instance.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	history int64
	ttl     time.Duration
}

type RedisStoreConfig struct {
	Prefix  string
	History int
	TTL     time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "dialer:status:"
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: cfg.Prefix, history: int64(cfg.History), ttl: cfg.TTL}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) historyKey(key string) string { return s.prefix + key + ":history" }
func (s *RedisStore) latestKey(key string) string  { return s.prefix + key + ":latest" }

// latestScript replaces the stored latest only when the incoming event is
// not older, so out-of-order deliveries cannot roll state back.
var latestScript = redis.NewScript(`
-- KEYS[1] = latest hash
-- ARGV[1] = occurred_at (unix ms)
-- ARGV[2] = payload
-- ARGV[3] = ttl_ms
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'payload', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func (s *RedisStore) Append(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	key := u.Key()
	if err := utils.PushBounded(ctx, s.rdb, s.historyKey(key), payload, s.history, s.ttl); err != nil {
		return err
	}
	return latestScript.Run(ctx, s.rdb, []string{s.latestKey(key)},
		u.OccurredAt.UnixMilli(), payload, s.ttl.Milliseconds()).Err()
}

func (s *RedisStore) Recent(ctx context.Context, key string, limit int) ([]Update, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	raw, err := s.rdb.LRange(ctx, s.historyKey(key), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(raw))
	for _, r := range raw {
		var u Update
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *RedisStore) Latest(ctx context.Context, key string) (Update, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.latestKey(key), "payload").Result()
	if errors.Is(err, redis.Nil) {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, err
	}
	var u Update
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return Update{}, false, fmt.Errorf("decode update: %w", err)
	}
	return u, true, nil
}

var _ Recorder = (*RedisStore)(nil)
