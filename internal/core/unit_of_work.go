package core

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"datacontext/pkg/domain"
)

// TableConfig describes how a UnitOfWork maps entities of type T.
type TableConfig[T any] struct {
	// Codec defaults to JSONCodec[T].
	Codec Codec[T]
	// Cache defaults to domain.NoCache.
	Cache SideCache
	// EntityType namespaces cache keys; defaults to the table name.
	EntityType string
	// FixedHashKey, when set, is written into every serialized document as
	// the hash key value.
	FixedHashKey any
}

// ChangeSummary counts what the next SubmitChanges would send.
type ChangeSummary struct {
	Modified int
	Added    int
	Removed  int
}

// Empty reports whether no changes are pending.
func (s ChangeSummary) Empty() bool { return s.Modified == 0 && s.Added == 0 && s.Removed == 0 }

// UnitOfWork tracks entities of one table: entities read from the store,
// entities added locally and keys marked for deletion. It is bound to a single
// logical session and is not safe for concurrent mutation.
type UnitOfWork[T any] struct {
	settings
	table      Table
	schema     KeySchema
	entityType string
	codec      Codec[T]
	cache      SideCache

	loaded map[EntityKey]*EntityWrapper[T]
	// added keeps insertion order; byHandle lets removal find every wrapper
	// created for the same entity pointer.
	added    []*EntityWrapper[T]
	byHandle map[*T][]*EntityWrapper[T]
	removed  map[EntityKey]struct{}

	indexGen atomic.Uint64
	indexing atomic.Pointer[IndexBuilder]

	notify chan error
}

// NewUnitOfWork binds a unit of work to table.
func NewUnitOfWork[T any](table Table, cfg TableConfig[T], opts ...Option) (*UnitOfWork[T], error) {
	if table == nil {
		return nil, errors.New("unit of work requires a table")
	}
	schema := table.Schema()
	if schema.HashKey == "" {
		return nil, fmt.Errorf("table %s: %w: schema has no hash key", table.Name(), domain.ErrKeyNotResolvable)
	}
	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	if cfg.FixedHashKey != nil {
		value, err := domain.KeyValueOf(cfg.FixedHashKey)
		if err != nil {
			return nil, fmt.Errorf("table %s: fixed hash key: %w", table.Name(), err)
		}
		codec = fixedHashKeyCodec[T]{inner: codec, field: schema.HashKey, value: value}
	}
	cache := cfg.Cache
	if cache == nil {
		cache = domain.NoCache{}
	}
	entityType := cfg.EntityType
	if entityType == "" {
		entityType = table.Name()
	}
	return &UnitOfWork[T]{
		settings:   applyOptions(opts),
		table:      table,
		schema:     schema,
		entityType: entityType,
		codec:      codec,
		cache:      cache,
		loaded:     make(map[EntityKey]*EntityWrapper[T]),
		byHandle:   make(map[*T][]*EntityWrapper[T]),
		removed:    make(map[EntityKey]struct{}),
	}, nil
}

// Name returns the table name.
func (u *UnitOfWork[T]) Name() string { return u.table.Name() }

// Schema returns the table key schema.
func (u *UnitOfWork[T]) Schema() KeySchema { return u.schema }

// KeyOf resolves the key of entity in its current state.
func (u *UnitOfWork[T]) KeyOf(entity *T) (EntityKey, error) {
	doc, err := u.codec.ToDocument(entity)
	if err != nil {
		return EntityKey{}, fmt.Errorf("%w: %v", domain.ErrKeyNotResolvable, err)
	}
	return u.schema.KeyOf(doc)
}

// AddNewEntity registers entity for insertion at the next submit. Adding the
// same pointer twice tracks it twice; the second copy conflicts at submit.
func (u *UnitOfWork[T]) AddNewEntity(entity *T) {
	if entity == nil {
		return
	}
	w := newDetachedWrapper(entity, u.codec)
	u.added = append(u.added, w)
	u.byHandle[entity] = append(u.byHandle[entity], w)
}

// RemoveEntity marks entity for deletion. An entity whose key cannot be
// resolved is ignored. An added entity that was never submitted is simply
// forgotten. Any in-flight index build is cancelled.
func (u *UnitOfWork[T]) RemoveEntity(entity *T) {
	if entity == nil {
		return
	}
	key, err := u.KeyOf(entity)
	if err != nil {
		u.logger.Debug("ignoring removal of entity without key", "table", u.Name(), "error", err)
		return
	}
	u.cancelIndexing()

	if wrappers, ok := u.byHandle[entity]; ok {
		delete(u.byHandle, entity)
		u.added = slices.DeleteFunc(u.added, func(w *EntityWrapper[T]) bool {
			return slices.Contains(wrappers, w)
		})
		if !slices.ContainsFunc(wrappers, (*EntityWrapper[T]).IsCommitted) {
			return
		}
	}
	u.removed[key] = struct{}{}
	delete(u.loaded, key)
}

// AddUpdatedEntity replaces a tracked entity with newEntity. When oldEntity is
// nil or has no key, newEntity is added instead. Both entities must share the
// same key.
func (u *UnitOfWork[T]) AddUpdatedEntity(newEntity, oldEntity *T) error {
	newKey, err := u.KeyOf(newEntity)
	if err != nil {
		return fmt.Errorf("%s: updated entity: %w", u.Name(), err)
	}
	if oldEntity == nil {
		u.AddNewEntity(newEntity)
		return nil
	}
	oldKey, err := u.KeyOf(oldEntity)
	if err != nil {
		u.AddNewEntity(newEntity)
		return nil
	}
	if oldKey != newKey {
		return domain.InvariantViolationError{Table: u.Name(), OldKey: oldKey, NewKey: newKey}
	}
	u.loaded[newKey] = newDetachedWrapper(newEntity, u.codec)
	return nil
}

// DiscardChanges drops pending additions and removals. Modifications to
// loaded entities are not reverted.
func (u *UnitOfWork[T]) DiscardChanges() {
	u.added = nil
	clear(u.byHandle)
	clear(u.removed)
}

// Tracked returns the loaded entity registered under key.
func (u *UnitOfWork[T]) Tracked(key EntityKey) (*T, bool) {
	w, ok := u.loaded[key]
	if !ok {
		return nil, false
	}
	return w.Entity(), true
}

// Pending reports what the next submit would send, without staging anything.
func (u *UnitOfWork[T]) Pending() (ChangeSummary, error) {
	var s ChangeSummary
	for _, w := range u.loaded {
		doc, err := w.GetDocumentIfDirty()
		if err != nil {
			return ChangeSummary{}, err
		}
		if doc != nil {
			s.Modified++
		}
	}
	for _, w := range u.added {
		_, dirty, err := w.inspect()
		if err != nil {
			return ChangeSummary{}, err
		}
		if dirty {
			s.Added++
		}
	}
	s.Removed = len(u.removed)
	return s, nil
}

// ActiveIndexBuilder returns the builder of the traversal currently being
// indexed, if any.
func (u *UnitOfWork[T]) ActiveIndexBuilder() *IndexBuilder { return u.indexing.Load() }

func (u *UnitOfWork[T]) startIndexing(q Query) *IndexBuilder {
	if _, disabled := u.cache.(domain.NoCache); disabled {
		return nil
	}
	gen := u.indexGen.Add(1)
	b := newIndexBuilder(q, u.cache, cancelToken{gen: &u.indexGen, at: gen})
	u.indexing.Store(b)
	return b
}

func (u *UnitOfWork[T]) cancelIndexing() {
	u.indexGen.Add(1)
	u.indexing.Store(nil)
}

func (u *UnitOfWork[T]) stopIndexing(b *IndexBuilder) {
	if b != nil {
		u.indexing.CompareAndSwap(b, nil)
	}
}
