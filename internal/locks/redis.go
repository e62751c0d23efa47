package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a SET NX PX lock. The TTL bounds how long a crashed holder can
// block a session; a live holder renews it every ttl/3 until unlock.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedis connects to redisURL (redis://host:port/db) and verifies it.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	log.Info().Str("addr", opt.Addr).Dur("ttl", ttl).Msg("Redis session lock configured")
	return &Redis{client: client, prefix: "assistant:session-lock:", ttl: ttl, poll: 25 * time.Millisecond}, nil
}

// Lock polls SET NX until the key is acquired or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	wait := r.poll
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if wait < 250*time.Millisecond {
			wait *= 2
		}
	}

	keeper := startKeepAlive(key, r.ttl, func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
		return n == 1, err
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			keeper.Stop()
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				log.Warn().Err(err).Str("session", key).Msg("Failed to release session lock; it expires with its TTL")
			}
		})
	}, nil
}

// ── keep-alive ──────────────────────────────────────────────

// renewFunc extends a held lock. false means the lock is no longer ours.
type renewFunc func(ctx context.Context) (bool, error)

// keepAlive renews a lock every ttl/3 so a turn that outlives the TTL keeps
// its session exclusive.
type keepAlive struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startKeepAlive(session string, ttl time.Duration, renew renewFunc) *keepAlive {
	k := &keepAlive{stop: make(chan struct{}), done: make(chan struct{})}
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := renew(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("session", session).Msg("Failed to renew session lock")
				continue
			}
			if !ok {
				log.Warn().Str("session", session).Msg("Session lock expired before renewal")
				return
			}
		}
	}()
	return k
}

// Stop ends renewal and waits for the renewing goroutine to exit.
func (k *keepAlive) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}

// HealthCheck pings Redis.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
