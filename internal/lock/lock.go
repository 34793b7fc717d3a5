// Package lock guards a job against concurrent processing. The Redis locker
// is shared across API and worker processes; the memory locker serves the
// single-process memory backend.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock held")

// Release gives the lock back. It is safe to call more than once.
type Release func()

// KeyForJob is the lock key for one job.
func KeyForJob(jobID string) string {
	return "scribedrop:lock:job:" + jobID
}

// releaseScript deletes the key only when it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements SET NX PX locks with token-checked release.
type RedisLocker struct {
	client *redis.Client
	unlock func(ctx context.Context, key, token string) error
	log    zerolog.Logger
}

// NewRedisLocker wraps a connected client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	l := &RedisLocker{client: client, log: logging.WithComponent("lock")}
	l.unlock = func(ctx context.Context, key, token string) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return l
}

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Acquire takes key for ttl. ErrLocked means another holder has it; any other
// error is a backend failure.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return l.release(key, token), nil
}

// release builds the Release for one held token. A failed release leaves the
// key held until its TTL runs out.
func (l *RedisLocker) release(key, token string) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlock(ctx, key, token); err != nil && !errors.Is(err, redis.Nil) {
				l.log.Error().Err(err).Str("key", key).Msg("lock release failed, key held until ttl")
			}
		})
	}
}

// MemoryLocker is an in-process locker with expiry.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	now   func() time.Time
	count uint64
}

type memoryLease struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker constructs an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), now: time.Now}
}

// Acquire takes key for ttl.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, ErrLocked
	}
	l.count++
	token := l.count
	l.held[key] = memoryLease{token: token, expires: now.Add(ttl)}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if lease, ok := l.held[key]; ok && lease.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}
