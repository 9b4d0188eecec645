// Package cache memoizes assessment results by request fingerprint with
// single-flight de-duplication. The cache is best-effort: a caller that loses
// the single-flight race and exhausts its bounded wait computes independently
// rather than blocking on the leader forever.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/user/comply-core/pkg/model"
)

// ErrLockTimeout marks a bounded-wait expiry on the single-flight leader.
// Callers recover by computing independently; it never surfaces to users.
var ErrLockTimeout = errors.New("cache: single-flight wait exceeded")

// ComputeFunc performs the full assessment on a cache miss.
type ComputeFunc func(ctx context.Context) (model.AssessmentResult, error)

type entry struct {
	result  model.AssessmentResult
	expires time.Time
}

// ResultCache is a fingerprint-keyed TTL cache. Mutual exclusion is
// per-fingerprint via singleflight, so unrelated requests never contend.
type ResultCache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	ttl       time.Duration
	waitBound time.Duration
	group     singleflight.Group
	log       *zap.Logger
}

// New creates a cache with the given entry TTL and single-flight wait bound.
func New(ttl, waitBound time.Duration, log *zap.Logger) *ResultCache {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if waitBound <= 0 {
		waitBound = 10 * time.Second
	}
	return &ResultCache{
		entries:   make(map[string]entry),
		ttl:       ttl,
		waitBound: waitBound,
		log:       log.Named("cache"),
	}
}

// Get returns a fresh entry for the fingerprint, if any.
func (c *ResultCache) Get(fingerprint string) (model.AssessmentResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return model.AssessmentResult{}, false
	}
	return e.result, true
}

// Do returns the cached result for the fingerprint or computes it exactly
// once across concurrent callers. The second return value reports whether the
// result was served from cache.
func (c *ResultCache) Do(ctx context.Context, fingerprint string, compute ComputeFunc) (model.AssessmentResult, bool, error) {
	if res, ok := c.Get(fingerprint); ok {
		return res, true, nil
	}

	// The leader's run is shared by every waiter, so it must not die with
	// the caller that happened to start it.
	leaderCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		res, err := compute(leaderCtx)
		if err == nil {
			c.set(fingerprint, res)
		}
		return res, err
	})

	timer := time.NewTimer(c.waitBound)
	defer timer.Stop()

	select {
	case rv := <-ch:
		if rv.Err != nil {
			return model.AssessmentResult{}, false, rv.Err
		}
		return rv.Val.(model.AssessmentResult), false, nil
	case <-timer.C:
		// Leader is slow; fall back to an independent computation. The
		// leader keeps ownership of the cache write.
		c.log.Warn("single-flight wait exceeded, computing independently",
			zap.String("fingerprint", fingerprint),
			zap.Duration("bound", c.waitBound),
			zap.Error(ErrLockTimeout))
		res, err := compute(ctx)
		return res, false, err
	case <-ctx.Done():
		return model.AssessmentResult{}, false, ctx.Err()
	}
}

// InvalidateSnapshot drops every entry computed against a snapshot version
// older than current. Called on each graph publish so stale snapshot results
// are never served as fresh.
func (c *ResultCache) InvalidateSnapshot(currentVersion int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for fp, e := range c.entries {
		if e.result.SnapshotVersion < currentVersion {
			delete(c.entries, fp)
			removed++
		}
	}
	if removed > 0 {
		c.log.Info("cache invalidated on snapshot bump",
			zap.Int64("version", currentVersion),
			zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of live (possibly expired) entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ResultCache) set(fingerprint string, res model.AssessmentResult) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a background ticker.
	for fp, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, fp)
		}
	}
	c.entries[fingerprint] = entry{result: res, expires: now.Add(c.ttl)}
}
