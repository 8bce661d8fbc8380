package domain

import (
	"context"
	"time"
)

// DefaultCacheTTL is the lifetime of side-cache entries when none is configured.
const DefaultCacheTTL = 10 * time.Second

// CacheStatus reports the outcome of a side-cache write. Cache writes never
// return errors: failures are logged at the cache boundary and surface only as
// a degraded status.
type CacheStatus int

const (
	// CacheOK means every entry was written or evicted.
	CacheOK CacheStatus = iota
	// CacheDegraded means at least one backend operation failed; affected
	// entries were evicted where possible.
	CacheDegraded
	// CacheDisabled means no cache backend is configured.
	CacheDisabled
)

func (s CacheStatus) String() string {
	switch s {
	case CacheOK:
		return "ok"
	case CacheDegraded:
		return "degraded"
	case CacheDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// IndexEntry is one record observed while building a secondary index.
type IndexEntry struct {
	Key      EntityKey
	Document Document
}

// SideCache is the per-entity-type capability over the time-bounded document
// and index cache. Reads report misses for any failure.
type SideCache interface {
	GetEntity(ctx context.Context, key EntityKey) (Document, bool)
	GetIndex(ctx context.Context, q Query) ([]Document, bool)
	PutIndex(ctx context.Context, q Query, entries []IndexEntry) CacheStatus
	UpdateCacheAndIndexes(ctx context.Context, added, modified map[EntityKey]Document, removed []EntityKey) CacheStatus
	RemoveEntities(ctx context.Context, keys []EntityKey) CacheStatus
}

// CacheProvider hands out side caches namespaced by entity type.
type CacheProvider interface {
	ForTable(entityType string, schema KeySchema) SideCache
}

// NoCache is a SideCache that stores nothing.
type NoCache struct{}

var _ SideCache = NoCache{}

func (NoCache) GetEntity(context.Context, EntityKey) (Document, bool) { return nil, false }
func (NoCache) GetIndex(context.Context, Query) ([]Document, bool)    { return nil, false }
func (NoCache) PutIndex(context.Context, Query, []IndexEntry) CacheStatus {
	return CacheDisabled
}
func (NoCache) UpdateCacheAndIndexes(context.Context, map[EntityKey]Document, map[EntityKey]Document, []EntityKey) CacheStatus {
	return CacheDisabled
}
func (NoCache) RemoveEntities(context.Context, []EntityKey) CacheStatus { return CacheDisabled }
