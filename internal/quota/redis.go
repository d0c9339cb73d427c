package quota

import (
	"context"
	"fmt"
	"time"

	"usage-ingest/internal/model"

	"github.com/redis/go-redis/v9"
)

// fixed window counter.
//
//	KEYS[1] = usage:quota:<target>
//	ARGV[1] = cost
//	ARGV[2] = window (ms)
//
// 반환: {누적 사용량, window 잔여 ms}
var windowScript = redis.NewScript(`
local used = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {used, ttl}
`)

const redisKeyPrefix = "usage:quota:"

// RedisService 는 Redis 에 target 별 fixed window 카운터를 두는 quota backend.
// 여러 ingest 인스턴스가 같은 Redis 를 보면 budget 을 공유한다.
type RedisService struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisService(redisURL string, limit int64, window time.Duration) (*RedisService, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisService{client: client, limit: limit, window: window}, nil
}

func (r *RedisService) Check(ctx context.Context, targetID string, cost int64) (Decision, error) {
	res, err := windowScript.Run(ctx, r.client, []string{redisKeyPrefix + targetID}, cost, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", model.ErrLimiterUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script result %v", model.ErrLimiterUnavailable, res)
	}

	used, ttlMs := res[0], res[1]
	return Decision{
		Limited:   used >= r.limit,
		Remaining: max(r.limit-used, 0),
		TTL:       time.Duration(ttlMs) * time.Millisecond,
	}, nil
}

func (r *RedisService) Close() error {
	return r.client.Close()
}
