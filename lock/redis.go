package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/ledger"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a token lock shared by every instance using the same redis.
type Redis struct {
	client redis.Cmdable
	log    *zap.Logger

	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
}

var _ ledger.Locker = (*Redis)(nil)

func NewRedis(client redis.Cmdable, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{
		client:    client,
		log:       log,
		Prefix:    "session-ledger:lock:",
		TTL:       ttl,
		RetryWait: 25 * time.Millisecond,
	}
}

// Lock polls SET NX until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.Prefix + key
	token := uuid.NewString()

	for {
		acquired, err := r.client.SetNX(ctx, redisKey, token, r.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w (%v)", key, ledger.ErrLockNotAcquired, ctx.Err())
			}
			r.log.Error("lock: redis SETNX failed", zap.String("key", redisKey), zap.Error(err))
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if acquired {
			r.log.Debug("lock: acquired", zap.String("key", redisKey), zap.String("token", token))
			return func() { r.release(redisKey, token) }, nil
		}

		timer := time.NewTimer(r.RetryWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s: %w (%v)", key, ledger.ErrLockNotAcquired, ctx.Err())
		}
	}
}

func (r *Redis) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int()
	if err != nil {
		r.log.Error("lock: release failed", zap.String("key", redisKey), zap.Error(err))
		return
	}
	if deleted == 0 {
		r.log.Warn("lock: expired before release", zap.String("key", redisKey), zap.String("token", token))
	}
}
