package session

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/docqa/internal/cache"
	"github.com/hyperjump/docqa/internal/vector"
)

// CachedStore keeps recently loaded sessions in memory. Chunks and index are cached
// as one entry and dropped together on Save or Delete. Concurrent loads of the same
// session share a single read of the underlying store.
//
// Cached chunk slices are shared between callers and must not be modified.
type CachedStore struct {
	Store
	cache *cache.LRU[string, *loaded]
	group singleflight.Group
	// gen is bumped on every write so a load racing with a Save never repopulates stale data.
	gen atomic.Uint64
}

type loaded struct {
	chunks []string
	index  *vector.Index
}

// NewCachedStore wraps inner with an LRU of the given capacity.
func NewCachedStore(inner Store, capacity int) *CachedStore {
	return &CachedStore{Store: inner, cache: cache.NewLRU[string, *loaded](capacity)}
}

// Load returns the cached pair or reads it from the wrapped store. The shared read
// ignores cancellation of the caller that started it; each caller stops waiting when
// its own ctx is done.
func (c *CachedStore) Load(ctx context.Context, sid string) ([]string, *vector.Index, error) {
	if l, ok := c.cache.Get(sid); ok {
		return l.chunks, l.index, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(sid, func() (interface{}, error) {
		gen := c.gen.Load()
		chunks, idx, err := c.Store.Load(loadCtx, sid)
		if err != nil {
			return nil, err
		}
		l := &loaded{chunks: chunks, index: idx}
		if c.gen.Load() == gen {
			c.cache.Set(sid, l)
		}
		return l, nil
	})
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		l := res.Val.(*loaded)
		return l.chunks, l.index, nil
	}
}

// Save writes through and invalidates the cached entry.
func (c *CachedStore) Save(ctx context.Context, sid string, chunks []string, idx *vector.Index) error {
	c.invalidate(sid)
	err := c.Store.Save(ctx, sid, chunks, idx)
	c.invalidate(sid)
	return err
}

// Delete removes the session and its cached entry.
func (c *CachedStore) Delete(ctx context.Context, sid string) error {
	c.invalidate(sid)
	err := c.Store.Delete(ctx, sid)
	c.invalidate(sid)
	return err
}

func (c *CachedStore) invalidate(sid string) {
	c.gen.Add(1)
	c.cache.Remove(sid)
	c.group.Forget(sid)
}
