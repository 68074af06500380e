// Package lock serialises work on a single session.
//
// Different sessions never contend: locks are keyed by session id.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperjump/docqa/internal/config"
)

// Locker acquires a named exclusive lock. Lock blocks until the lock is held or ctx is
// done; the returned unlock func releases it and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

// Local is an in-process keyed mutex. Entries are reference counted and removed when
// no goroutine holds or waits for them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*keyLock)}
}

// Lock acquires name, waiting until it is free or ctx is done.
func (l *Local) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[name]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[name] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(name, kl)
		return nil, fmt.Errorf("lock %s: %w", name, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(name, kl)
		})
	}, nil
}

func (l *Local) release(name string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, name)
	}
}

// New builds the locker selected by cfg.Backend.
func New(cfg *config.LockConfig) (Locker, error) {
	switch cfg.Backend {
	case "", config.LockLocal:
		return NewLocal(), nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client, WithTTL(cfg.TTL)), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
