package core

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"datacontext/pkg/domain"
)

// submitPlan is the classification of tracked state into store operations.
type submitPlan[T any] struct {
	toAdd    map[EntityKey]Document
	toUpdate map[EntityKey]Document
	toRemove []EntityKey
	// staged holds every added wrapper by key, dirty or not.
	staged map[EntityKey]*EntityWrapper[T]
}

func (p *submitPlan[T]) empty() bool {
	return len(p.toAdd) == 0 && len(p.toUpdate) == 0 && len(p.toRemove) == 0
}

// touched is the union of all keys the batch writes or deletes.
func (p *submitPlan[T]) touched() []EntityKey {
	keys := make([]EntityKey, 0, len(p.toAdd)+len(p.toUpdate)+len(p.toRemove))
	keys = slices.AppendSeq(keys, maps.Keys(p.toAdd))
	keys = slices.AppendSeq(keys, maps.Keys(p.toUpdate))
	keys = append(keys, p.toRemove...)
	slices.SortFunc(keys, EntityKey.Compare)
	return slices.Compact(keys)
}

func sortedKeys[V any](m map[EntityKey]V) []EntityKey {
	return slices.SortedFunc(maps.Keys(m), EntityKey.Compare)
}

// classify walks tracked state without mutating it. Any error aborts the
// submit before store I/O.
func (u *UnitOfWork[T]) classify() (*submitPlan[T], error) {
	plan := &submitPlan[T]{
		toAdd:    make(map[EntityKey]Document),
		toUpdate: make(map[EntityKey]Document),
		staged:   make(map[EntityKey]*EntityWrapper[T]),
	}

	for _, key := range sortedKeys(u.loaded) {
		doc, err := u.loaded[key].GetDocumentIfDirty()
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		current, err := u.schema.KeyOf(doc)
		if err != nil {
			return nil, err
		}
		if current != key {
			return nil, domain.InvariantViolationError{Table: u.Name(), OldKey: key, NewKey: current}
		}
		if _, gone := u.removed[current]; gone {
			continue
		}
		u.logger.Debug("putting modified entity", "table", u.Name(), "key", current.String())
		plan.toUpdate[current] = doc
	}

	for _, w := range u.added {
		doc, dirty, err := w.inspect()
		if err != nil {
			return nil, err
		}
		key, err := u.schema.KeyOf(doc)
		if err != nil {
			return nil, err
		}
		_, isLoaded := u.loaded[key]
		_, isStaged := plan.staged[key]
		if isLoaded || isStaged {
			return nil, domain.ConflictError{Table: u.Name(), Key: key}
		}
		plan.staged[key] = w
		if dirty {
			u.logger.Debug("putting added entity", "table", u.Name(), "key", key.String())
			plan.toAdd[key] = doc
		}
	}

	for _, key := range sortedKeys(u.removed) {
		if _, readded := plan.staged[key]; readded {
			continue
		}
		u.logger.Debug("deleting entity", "table", u.Name(), "key", key.String())
		plan.toRemove = append(plan.toRemove, key)
	}
	return plan, nil
}

// SubmitChanges sends every pending insert, modification and deletion to the
// store as one batch. The side cache is updated while the batch is in flight;
// when the batch fails every touched key is evicted from the cache before the
// error is returned, and tracked state is left untouched so the call can be
// retried.
func (u *UnitOfWork[T]) SubmitChanges(ctx context.Context) (err error) {
	submitID := uuid.NewString()
	operation := "submit:" + u.Name()
	start := u.clock.Now()
	ctx, span := u.tracer.Start(ctx, operation)
	defer func() {
		span.End(err)
		u.metrics.Observe(ctx, operation, err == nil, u.clock.Now().Sub(start))
	}()

	plan, err := u.classify()
	if err != nil {
		u.logger.Warn("submit rejected", "table", u.Name(), "submit_id", submitID, "error", err)
		u.resolveNotify(err)
		return err
	}

	if !plan.empty() {
		if err = u.execute(ctx, submitID, plan); err != nil {
			u.resolveNotify(err)
			return err
		}
		u.logger.Info("submitted changes", "table", u.Name(), "submit_id", submitID,
			"added", len(plan.toAdd), "modified", len(plan.toUpdate), "removed", len(plan.toRemove))
	}

	u.resolveNotify(nil)
	u.commit(plan)
	return nil
}

func (u *UnitOfWork[T]) execute(ctx context.Context, submitID string, plan *submitPlan[T]) error {
	batch := u.table.CreateBatchWrite()
	for _, key := range sortedKeys(plan.toAdd) {
		batch.AddDocumentToPut(plan.toAdd[key])
	}
	for _, key := range sortedKeys(plan.toUpdate) {
		batch.AddDocumentToPut(plan.toUpdate[key])
	}
	for _, key := range plan.toRemove {
		batch.AddKeyToDelete(u.schema.KeyDocument(key))
	}

	written := make(chan error, 1)
	go func() {
		written <- batch.Execute(ctx)
	}()

	cacheStart := u.clock.Now()
	status := safeCacheStatus(func() CacheStatus {
		return u.cache.UpdateCacheAndIndexes(ctx, plan.toAdd, plan.toUpdate, plan.toRemove)
	})
	u.observeCache(ctx, "cache_update", status, cacheStart)

	writeErr := <-written
	if writeErr == nil {
		return nil
	}

	keys := plan.touched()
	u.logger.Error("batch write failed; evicting touched keys", "table", u.Name(), "submit_id", submitID,
		"keys", len(keys), "error", writeErr)
	evictStart := u.clock.Now()
	status = safeCacheStatus(func() CacheStatus {
		return u.cache.RemoveEntities(context.WithoutCancel(ctx), keys)
	})
	u.observeCache(ctx, "cache_evict", status, evictStart)
	return &domain.StoreWriteError{Table: u.Name(), Keys: keys, Err: writeErr}
}

func (u *UnitOfWork[T]) observeCache(ctx context.Context, kind string, status CacheStatus, start time.Time) {
	if status == domain.CacheDisabled {
		return
	}
	if status == domain.CacheDegraded {
		u.logger.Warn("side cache degraded", "table", u.Name(), "operation", kind)
	}
	u.metrics.Observe(ctx, kind+":"+u.Name(), status == domain.CacheOK, u.clock.Now().Sub(start))
}

// commit runs only after a confirmed write: removed keys are forgotten,
// staged additions become loaded and every loaded snapshot is refreshed.
func (u *UnitOfWork[T]) commit(plan *submitPlan[T]) {
	clear(u.removed)
	for key, w := range plan.staged {
		u.loaded[key] = w
	}
	u.added = nil
	clear(u.byHandle)
	for key, w := range u.loaded {
		if err := w.Commit(); err != nil {
			u.logger.Error("refreshing entity snapshot failed", "table", u.Name(), "key", key.String(), "error", err)
		}
	}
}
