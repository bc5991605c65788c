// Package lock defines the sprint-exclusivity seam the value loop
// driver acquires before touching a sprint directory, and two
// concrete implementations: a flock-backed Locker for the common
// single-host case and a Redis-backed Locker for deployments where
// multiple hosts might race on the same sprint.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/loopstate"
)

// Locker is the exclusivity seam the driver depends on. TryAcquire
// must be non-blocking: it returns immediately with an error if the
// lock is already held, never waits.
type Locker interface {
	TryAcquire() error
	Release() error
}

// FileLock adapts loopstate.SprintLock to the Locker seam. It holds no
// state of its own; all flock behavior lives in the wrapped lock.
type FileLock struct {
	sprint *loopstate.SprintLock
}

// NewFileLock builds a Locker backed by flock(2) on path, matching the
// single-host ".loop.lock" convention.
func NewFileLock(path string) *FileLock {
	return &FileLock{sprint: loopstate.NewSprintLock(path)}
}

func (l *FileLock) TryAcquire() error { return l.sprint.TryAcquire() }
func (l *FileLock) Release() error    { return l.sprint.Release() }

// RedisLock is a SET-NX-with-TTL distributed lock for deployments
// where the sprint directory is shared across hosts (e.g. a network
// filesystem) and flock alone cannot be trusted to be exclusive
// cluster-wide.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock builds a Locker that holds key for at most ttl, renewed
// implicitly by nothing: the caller is expected to Release before ttl
// elapses, and ttl exists purely as a crash backstop so a dead holder
// doesn't wedge the sprint forever.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, token: randomToken(), ttl: ttl}
}

func (l *RedisLock) TryAcquire() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return apperrors.FailedToWithDetails("acquire redis lock", "loop", l.key, err)
	}
	if !ok {
		return apperrors.ValidationError("lock", "another instance holds "+l.key)
	}
	return nil
}

// releaseScript only deletes the key if it still holds our token, so a
// lock we've lost to TTL expiry (and someone else acquired) is never
// deleted out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (l *RedisLock) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return apperrors.FailedToWithDetails("release redis lock", "loop", l.key, err)
	}
	return nil
}

func randomToken() string {
	return uuid.NewString()
}
