// Package cache implements the per-entity-type side cache over a pluggable
// byte backend. It is the only package that imports the infra cache drivers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"datacontext/pkg/domain"
)

// Backend is a TTL key/value store. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// indexRecord is the stored form of a cached query result: the query, so
// later writes can be re-matched, and the entity keys in result order.
type indexRecord struct {
	Query domain.Query `json:"query"`
	Keys  []string     `json:"keys"`
}

// TableCache is the SideCache of one entity type. Entities live under
// "{type}:e:{key}" and indexes under "{type}:i:{indexKey}".
type TableCache struct {
	backend    Backend
	entityType string
	ttl        time.Duration
	logger     *slog.Logger
}

var _ domain.SideCache = (*TableCache)(nil)

func (c *TableCache) entityKey(key domain.EntityKey) string {
	return c.entityKeyString(key.String())
}

func (c *TableCache) entityKeyString(key string) string {
	return c.entityType + ":e:" + key
}

func (c *TableCache) indexPrefix() string { return c.entityType + ":i:" }

func (c *TableCache) indexKey(q domain.Query) string { return c.indexPrefix() + q.IndexKey() }

// GetEntity reports a miss for absent, expired or undecodable entries.
func (c *TableCache) GetEntity(ctx context.Context, key domain.EntityKey) (domain.Document, bool) {
	doc, ok, err := c.loadEntity(ctx, c.entityKey(key))
	if err != nil {
		c.logger.Debug("cache entity read failed", "type", c.entityType, "key", key.String(), "error", err)
		return nil, false
	}
	return doc, ok
}

func (c *TableCache) loadEntity(ctx context.Context, key string) (domain.Document, bool, error) {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := domain.DecodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// GetIndex serves a cached result set. An index whose entities have expired
// is evicted and reported as a miss.
func (c *TableCache) GetIndex(ctx context.Context, q domain.Query) ([]domain.Document, bool) {
	key := c.indexKey(q)
	rec, ok, err := c.loadIndex(ctx, key)
	if err != nil {
		c.logger.Debug("cache index read failed", "type", c.entityType, "index", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	docs := make([]domain.Document, 0, len(rec.Keys))
	for _, k := range rec.Keys {
		doc, ok, err := c.loadEntity(ctx, c.entityKeyString(k))
		if err != nil || !ok {
			c.evict(ctx, []string{key})
			return nil, false
		}
		docs = append(docs, doc)
	}
	return docs, true
}

func (c *TableCache) loadIndex(ctx context.Context, key string) (indexRecord, bool, error) {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return indexRecord{}, false, err
	}
	var rec indexRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return indexRecord{}, false, fmt.Errorf("decode index %s: %w", key, err)
	}
	return rec, true, nil
}

// PutIndex stores every entry and then the index naming them.
func (c *TableCache) PutIndex(ctx context.Context, q domain.Query, entries []domain.IndexEntry) domain.CacheStatus {
	key := c.indexKey(q)
	rec := indexRecord{Query: q, Keys: make([]string, 0, len(entries))}
	written := make([]string, 0, len(entries)+1)
	fail := func(err error) domain.CacheStatus {
		c.logger.Warn("cache index write failed", "type", c.entityType, "index", key, "error", err)
		c.evict(ctx, append(written, key))
		return domain.CacheDegraded
	}
	for _, e := range entries {
		ek := c.entityKey(e.Key)
		if err := c.putDocument(ctx, ek, e.Document); err != nil {
			return fail(err)
		}
		written = append(written, ek)
		rec.Keys = append(rec.Keys, e.Key.String())
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fail(err)
	}
	if err := c.backend.Set(ctx, key, raw, c.ttl); err != nil {
		return fail(err)
	}
	return domain.CacheOK
}

func (c *TableCache) putDocument(ctx context.Context, key string, doc domain.Document) error {
	raw, err := doc.CanonicalJSON()
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, raw, c.ttl)
}

// UpdateCacheAndIndexes writes added and modified entities, drops removed ones
// and rewrites every cached index of the type so that each lists exactly the
// keys whose current document matches its query.
func (c *TableCache) UpdateCacheAndIndexes(ctx context.Context, added, modified map[domain.EntityKey]domain.Document, removed []domain.EntityKey) domain.CacheStatus {
	changed := make(map[domain.EntityKey]domain.Document, len(added)+len(modified))
	for k, doc := range added {
		changed[k] = doc
	}
	for k, doc := range modified {
		changed[k] = doc
	}
	touched := make([]string, 0, len(changed)+len(removed))
	for _, k := range sortedKeys(changed) {
		touched = append(touched, c.entityKey(k))
	}
	for _, k := range removed {
		touched = append(touched, c.entityKey(k))
	}

	indexKeys, err := c.backend.Keys(ctx, c.indexPrefix())
	if err != nil {
		c.logger.Warn("cache index listing failed", "type", c.entityType, "error", err)
		// Without the listing no index can be proven consistent.
		c.evict(ctx, touched)
		return domain.CacheDegraded
	}
	fail := func(err error) domain.CacheStatus {
		c.logger.Warn("cache update failed", "type", c.entityType, "error", err)
		c.evict(ctx, append(touched, indexKeys...))
		return domain.CacheDegraded
	}

	for _, k := range sortedKeys(changed) {
		if err := c.putDocument(ctx, c.entityKey(k), changed[k]); err != nil {
			return fail(err)
		}
	}
	if len(removed) > 0 {
		keys := make([]string, 0, len(removed))
		for _, k := range removed {
			keys = append(keys, c.entityKey(k))
		}
		if err := c.backend.Delete(ctx, keys...); err != nil {
			return fail(err)
		}
	}

	for _, ik := range indexKeys {
		rec, ok, err := c.loadIndex(ctx, ik)
		if err != nil {
			return fail(err)
		}
		if !ok {
			continue
		}
		if !reconcile(&rec, changed, removed) {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fail(err)
		}
		if err := c.backend.Set(ctx, ik, raw, c.ttl); err != nil {
			return fail(err)
		}
	}
	return domain.CacheOK
}

// reconcile applies changes to rec and reports whether its key list changed.
func reconcile(rec *indexRecord, changed map[domain.EntityKey]domain.Document, removed []domain.EntityKey) bool {
	dirty := false
	drop := make(map[string]struct{})
	for _, k := range removed {
		drop[k.String()] = struct{}{}
	}
	for _, k := range sortedKeys(changed) {
		ks := k.String()
		present := slices.Contains(rec.Keys, ks)
		switch matches := rec.Query.Match(changed[k]); {
		case matches && !present:
			rec.Keys = append(rec.Keys, ks)
			dirty = true
		case !matches && present:
			drop[ks] = struct{}{}
		}
	}
	if len(drop) > 0 {
		n := len(rec.Keys)
		rec.Keys = slices.DeleteFunc(rec.Keys, func(k string) bool {
			_, gone := drop[k]
			return gone
		})
		dirty = dirty || len(rec.Keys) != n
	}
	return dirty
}

// RemoveEntities evicts the entity entries and every index of the type. An
// index rewritten by an update that was never confirmed may already have
// lost the key, so no index can be trusted to name what it covers.
func (c *TableCache) RemoveEntities(ctx context.Context, keys []domain.EntityKey) domain.CacheStatus {
	if len(keys) == 0 {
		return domain.CacheOK
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, c.entityKey(k))
	}
	status := domain.CacheOK
	indexKeys, err := c.backend.Keys(ctx, c.indexPrefix())
	if err != nil {
		c.logger.Warn("cache index listing failed", "type", c.entityType, "error", err)
		status = domain.CacheDegraded
	}
	if err := c.backend.Delete(ctx, append(names, indexKeys...)...); err != nil {
		c.logger.Warn("cache eviction failed", "type", c.entityType, "keys", len(keys), "error", err)
		return domain.CacheDegraded
	}
	return status
}

func (c *TableCache) evict(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.logger.Error("cache eviction failed", "type", c.entityType, "keys", len(keys), "error", err)
	}
}

func sortedKeys(m map[domain.EntityKey]domain.Document) []domain.EntityKey {
	keys := make([]domain.EntityKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, domain.EntityKey.Compare)
	return keys
}
