// Package lock provides the run lock that keeps import runs from overlapping.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Locker hands out a non-blocking exclusive lock.
type Locker interface {
	// TryLock acquires the lock without waiting. ok is false when the lock is
	// held elsewhere. release must be called once the holder is done.
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// Local is a process-wide lock.
type Local struct {
	sem *semaphore.Weighted
}

// NewLocal creates a Local lock.
func NewLocal() *Local {
	return &Local{sem: semaphore.NewWeighted(1)}
}

// TryLock implements Locker.
func (l *Local) TryLock(context.Context) (func(), bool, error) {
	if !l.sem.TryAcquire(1) {
		return nil, false, nil
	}
	return func() { l.sem.Release(1) }, true, nil
}

// Held reports whether the lock is currently taken.
func (l *Local) Held() bool {
	if l.sem.TryAcquire(1) {
		l.sem.Release(1)
		return false
	}
	return true
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the expiry only while the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lock shared by all importer instances using the same Redis.
// The TTL bounds how long a crashed holder keeps the lock; a live holder
// extends it every TTL/3 until release.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a Redis lock stored under key.
func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

// Key returns the Redis key of the lock.
func (r *Redis) Key() string {
	return r.key
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(token, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// the run context may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{r.key}, token).Err()
		})
	}
	return release, true, nil
}

// keepAlive extends the lock until stop is closed or the token is gone.
func (r *Redis) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(max(r.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := refreshScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// lost to expiry or someone else, nothing left to extend
				return
			}
		}
	}
}

// All acquires every locker in order and holds them together. If one is
// busy or fails, those already taken are released again.
func All(lockers ...Locker) Locker {
	return all(lockers)
}

type all []Locker

// TryLock implements Locker.
func (a all) TryLock(ctx context.Context) (func(), bool, error) {
	releases := make([]func(), 0, len(a))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range a {
		release, ok, err := l.TryLock(ctx)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
