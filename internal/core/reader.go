package core

import (
	"context"
	"fmt"
	"iter"

	"datacontext/pkg/domain"
)

// Query yields the entities matching q. Results come from a cached index when
// one exists, otherwise from the store; in the latter case the traversal is
// recorded and stored as an index once it completes without interruption.
// Entities already tracked are returned as the tracked instance, and keys
// pending removal are skipped.
func (u *UnitOfWork[T]) Query(ctx context.Context, q Query) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		if err := q.Validate(); err != nil {
			yield(nil, fmt.Errorf("%s: %w", u.Name(), err))
			return
		}
		operation := "query:" + u.Name()
		start := u.clock.Now()
		ctx, span := u.tracer.Start(ctx, operation)
		var failure error
		defer func() {
			span.End(failure)
			u.metrics.Observe(ctx, operation, failure == nil, u.clock.Now().Sub(start))
		}()

		if docs, hit := u.cache.GetIndex(ctx, q); hit {
			u.logger.Debug("serving query from cached index", "table", u.Name(), "index", q.IndexKey(), "records", len(docs))
			for _, doc := range docs {
				entity, skip, err := u.materialize(doc, nil)
				if err != nil {
					failure = err
					yield(nil, err)
					return
				}
				if skip {
					continue
				}
				if !yield(entity, nil) {
					return
				}
			}
			return
		}

		builder := u.startIndexing(q)
		for doc, err := range u.table.Query(ctx, q) {
			if err != nil {
				u.stopIndexing(builder)
				failure = fmt.Errorf("%s: query: %w", u.Name(), err)
				yield(nil, failure)
				return
			}
			entity, skip, err := u.materialize(doc, builder)
			if err != nil {
				u.stopIndexing(builder)
				failure = err
				yield(nil, err)
				return
			}
			if skip {
				continue
			}
			if !yield(entity, nil) {
				u.stopIndexing(builder)
				return
			}
		}
		u.finishIndexing(ctx, builder)
	}
}

// All collects every entity matching q.
func (u *UnitOfWork[T]) All(ctx context.Context, q Query) ([]*T, error) {
	var out []*T
	for entity, err := range u.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// Find returns the entity with the given key values, ordered hash key first.
func (u *UnitOfWork[T]) Find(ctx context.Context, keyValues ...any) (*T, error) {
	key, err := u.schema.KeyFromValues(keyValues...)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", u.Name(), err)
	}
	if _, gone := u.removed[key]; gone {
		return nil, fmt.Errorf("%s %s: %w", u.Name(), key, domain.ErrNotFound)
	}
	if w, ok := u.loaded[key]; ok {
		return w.Entity(), nil
	}
	if doc, hit := u.cache.GetEntity(ctx, key); hit {
		entity, skip, err := u.materialize(doc, nil)
		if err == nil && !skip {
			return entity, nil
		}
	}

	q := domain.NewQuery().Where(u.schema.HashKey, domain.Eq(key.Hash()))
	if key.HasRange() {
		q = q.Where(u.schema.RangeKey, domain.Eq(key.Range()))
	}
	var found *T
	for entity, err := range u.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		if found == nil {
			found = entity
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%s %s: %w", u.Name(), key, domain.ErrNotFound)
	}
	return found, nil
}

// materialize registers a record in the identity map and feeds the index
// builder. skip is true for keys pending removal.
func (u *UnitOfWork[T]) materialize(doc Document, builder *IndexBuilder) (entity *T, skip bool, err error) {
	key, err := u.schema.KeyOf(doc)
	if err != nil {
		return nil, false, fmt.Errorf("%s: record: %w", u.Name(), err)
	}
	if builder != nil {
		builder.AddEntityToIndex(key, doc)
	}
	if _, gone := u.removed[key]; gone {
		return nil, true, nil
	}
	if w, ok := u.loaded[key]; ok {
		return w.Entity(), false, nil
	}
	entity, err = u.codec.FromDocument(doc)
	if err != nil {
		return nil, false, fmt.Errorf("%s %s: %w", u.Name(), key, err)
	}
	w, err := newLoadedWrapper(entity, u.codec)
	if err != nil {
		return nil, false, err
	}
	u.loaded[key] = w
	return entity, false, nil
}

func (u *UnitOfWork[T]) finishIndexing(ctx context.Context, b *IndexBuilder) {
	if b == nil {
		return
	}
	defer u.stopIndexing(b)
	status, stored := b.Finish(ctx)
	switch {
	case stored:
		u.logger.Debug("stored query index", "table", u.Name(), "index", b.Query().IndexKey(), "records", b.Len())
	case b.Cancelled():
		u.logger.Debug("discarded cancelled query index", "table", u.Name(), "index", b.Query().IndexKey())
	default:
		u.logger.Warn("storing query index failed", "table", u.Name(), "index", b.Query().IndexKey(), "status", status.String())
	}
}
