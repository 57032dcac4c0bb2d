package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCaseLocker backs the lock arena with Redis SETNX + TTL so multiple
// coordinator replicas agree on the per-case single-flight token.
type RedisCaseLocker struct {
	client *redis.Client
	prefix string
}

// releaseScript deletes the lock only when the stored owner token still
// matches, so an expired-and-reacquired lock is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

func NewRedisCaseLocker(addr, password string, db int) (*RedisCaseLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrUnavailable, err)
	}
	return &RedisCaseLocker{client: client, prefix: "evidencesync:caselock:"}, nil
}

func (l *RedisCaseLocker) TryAcquire(ctx context.Context, caseID string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + caseID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: redis setnx: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

func (l *RedisCaseLocker) Close() error {
	return l.client.Close()
}
