package core

import (
	"context"
	"sync/atomic"

	"datacontext/pkg/domain"
)

// cancelToken is valid while the owning unit's index generation has not moved
// since the token was issued.
type cancelToken struct {
	gen *atomic.Uint64
	at  uint64
}

func (t cancelToken) valid() bool { return t.gen != nil && t.gen.Load() == t.at }

// IndexBuilder accumulates the records of one query traversal so the result
// set can be stored as a secondary index in the side cache. It is bound to one
// traversal and is invalidated by any removal on the owning unit of work.
type IndexBuilder struct {
	query   Query
	cache   SideCache
	token   cancelToken
	entries []IndexEntry
	seen    map[EntityKey]struct{}
}

func newIndexBuilder(q Query, cache SideCache, token cancelToken) *IndexBuilder {
	return &IndexBuilder{query: q, cache: cache, token: token, seen: make(map[EntityKey]struct{})}
}

// Query returns the descriptor whose results are being indexed.
func (b *IndexBuilder) Query() Query { return b.query }

// Cancelled reports whether the builder was invalidated.
func (b *IndexBuilder) Cancelled() bool { return !b.token.valid() }

// Len returns the number of accumulated entries.
func (b *IndexBuilder) Len() int { return len(b.entries) }

// AddEntityToIndex records one observed record. It returns false once the
// builder is cancelled or for records without a key.
func (b *IndexBuilder) AddEntityToIndex(key EntityKey, record Document) bool {
	if b.Cancelled() {
		b.entries = nil
		return false
	}
	if key.IsZero() {
		return false
	}
	if _, dup := b.seen[key]; dup {
		return true
	}
	b.seen[key] = struct{}{}
	b.entries = append(b.entries, IndexEntry{Key: key, Document: record})
	return true
}

// Finish persists the index when the builder is still valid. A cancelled
// builder's partial index is dropped.
func (b *IndexBuilder) Finish(ctx context.Context) (CacheStatus, bool) {
	if b.Cancelled() {
		b.entries = nil
		return domain.CacheOK, false
	}
	status := safeCacheStatus(func() CacheStatus { return b.cache.PutIndex(ctx, b.query, b.entries) })
	return status, status == domain.CacheOK
}
