package ratelimit

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the key's sorted set to the window, then admits the
// event only while the set holds fewer than the limit.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis shares the window across every instance using the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
	clock  clockwork.Clock
}

func NewRedis(client redis.UniversalClient, prefix string, cfg Config, clock clockwork.Clock) *Redis {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{client: client, prefix: prefix, cfg: cfg, clock: clock}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.clock.Now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + ":rl:" + key},
		now, r.cfg.Window.Milliseconds(), r.cfg.Limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var (
	_ Limiter = (*Redis)(nil)
	_ Limiter = (*Memory)(nil)
)
