package schedule

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
)

// Deletes the key only if it still holds our token, so an expired lock taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Extends the expiry only if the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a best effort mutual exclusion lock held in a single redis key.  While held, the key's expiry is pushed
// back every third of the ttl, so the ttl only bounds how long a crashed holder can block others.
type RedisLock struct {
	db    redis.UniversalClient
	key   string
	ttl   time.Duration
	clock clock.WithTicker
}

func NewRedisLock(db redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{db: db, key: key, ttl: ttl, clock: clock.RealClock{}}
}

func (l *RedisLock) TryAcquire(ctx *csvcontext.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.db.SetNX(l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if !ok {
		return nil, false, nil
	}
	// Created here rather than in keepAlive so no tick can be missed before the goroutine starts.
	ticker := l.clock.NewTicker(l.ttl / 3)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(ctx, token, ticker, stop, done)

	release := func() {
		close(stop)
		<-done
		if err := releaseScript.Run(l.db, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
			ctx.Log.WithError(err).Warnf("failed to release lock %s; it will expire after %s", l.key, l.ttl)
		}
	}
	return release, true, nil
}

func (l *RedisLock) keepAlive(ctx *csvcontext.Context, token string, ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			renewed, err := renewScript.Run(l.db, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				ctx.Log.WithError(err).Warnf("failed to renew lock %s; retrying on next tick", l.key)
				continue
			}
			if renewed == 0 {
				ctx.Log.Errorf("lock %s expired before it could be renewed; another holder may be running", l.key)
				return
			}
		}
	}
}
