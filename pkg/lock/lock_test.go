package lock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFileLockTryAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".loop.lock")
	first := NewFileLock(path)
	if err := first.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}
	defer first.Release()

	second := NewFileLock(path)
	if err := second.TryAcquire(); err == nil {
		t.Fatal("second TryAcquire() succeeded while first holds the lock, want error")
	}
}

func TestFileLockReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".loop.lock")
	first := NewFileLock(path)
	if err := first.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	second := NewFileLock(path)
	if err := second.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
	second.Release()
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	server := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: server.Addr()})
}

func TestRedisLockTryAcquireIsExclusive(t *testing.T) {
	client := newTestRedisClient(t)
	first := NewRedisLock(client, "sprint:1", time.Minute)
	if err := first.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}

	second := NewRedisLock(client, "sprint:1", time.Minute)
	if err := second.TryAcquire(); err == nil {
		t.Fatal("second TryAcquire() succeeded while first holds the lock, want error")
	}
}

func TestRedisLockReleaseOnlyRemovesOwnToken(t *testing.T) {
	client := newTestRedisClient(t)
	first := NewRedisLock(client, "sprint:1", time.Minute)
	if err := first.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	intruder := NewRedisLock(client, "sprint:1", time.Minute)
	intruder.token = "not-the-real-holder"
	if err := intruder.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	second := NewRedisLock(client, "sprint:1", time.Minute)
	if err := second.TryAcquire(); err == nil {
		t.Fatal("TryAcquire() succeeded after a non-owner release, want lock still held")
	}
}
