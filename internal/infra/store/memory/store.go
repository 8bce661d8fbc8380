// Package memory provides an in-process keyed document store. It is the
// default provider for tests and local tooling.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"datacontext/pkg/domain"
)

var (
	_ domain.TableProvider = (*Store)(nil)
	_ domain.Table         = (*table)(nil)
)

// Store holds every table in memory. Reads return copies so callers can not
// mutate stored documents.
type Store struct {
	mu       sync.RWMutex
	tables   map[string]map[domain.EntityKey]domain.Document
	schemas  map[string]domain.KeySchema
	writeErr error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tables:  make(map[string]map[domain.EntityKey]domain.Document),
		schemas: make(map[string]domain.KeySchema),
	}
}

// OpenTable creates the table on first use. Reopening with a different schema
// fails.
func (s *Store) OpenTable(_ context.Context, name string, schema domain.KeySchema) (domain.Table, error) {
	if name == "" {
		return nil, fmt.Errorf("memory store: table name required")
	}
	if schema.HashKey == "" {
		return nil, fmt.Errorf("memory store: table %s: hash key required", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.schemas[name]; ok {
		if existing != schema {
			return nil, fmt.Errorf("memory store: table %s already has schema %+v", name, existing)
		}
	} else {
		s.schemas[name] = schema
		s.tables[name] = make(map[domain.EntityKey]domain.Document)
	}
	return &table{store: s, name: name, schema: schema}, nil
}

// FailWrites makes every following batch fail with err until called with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Len returns the number of documents in table name.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[name])
}

type table struct {
	store  *Store
	name   string
	schema domain.KeySchema
}

func (t *table) Name() string                        { return t.name }
func (t *table) Schema() domain.KeySchema            { return t.schema }
func (t *table) CreateBatchWrite() domain.BatchWrite { return &batch{table: t} }

func (t *table) Query(ctx context.Context, q domain.Query) domain.RecordStream {
	if err := q.Validate(); err != nil {
		return domain.ErrorStream(err)
	}
	t.store.mu.RLock()
	rows := t.store.tables[t.name]
	keys := slices.SortedFunc(maps.Keys(rows), domain.EntityKey.Compare)
	var matched []domain.Document
	for _, key := range keys {
		if !q.Match(rows[key]) {
			continue
		}
		doc, err := rows[key].Clone()
		if err != nil {
			t.store.mu.RUnlock()
			return domain.ErrorStream(err)
		}
		matched = append(matched, doc)
	}
	t.store.mu.RUnlock()

	return domain.OnceStream(func(yield func(domain.Document, error) bool) {
		for _, doc := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	})
}

type batch struct {
	table   *table
	puts    []domain.Document
	deletes []domain.Document
}

func (b *batch) AddDocumentToPut(doc domain.Document) { b.puts = append(b.puts, doc) }
func (b *batch) AddKeyToDelete(key domain.Document)   { b.deletes = append(b.deletes, key) }

// Execute validates every item before applying any, so a batch is all or
// nothing.
func (b *batch) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	schema := b.table.schema
	puts := make(map[domain.EntityKey]domain.Document, len(b.puts))
	for _, doc := range b.puts {
		key, err := schema.KeyOf(doc)
		if err != nil {
			return fmt.Errorf("put into %s: %w", b.table.name, err)
		}
		stored, err := doc.Clone()
		if err != nil {
			return fmt.Errorf("put into %s: %w", b.table.name, err)
		}
		puts[key] = stored
	}
	deletes := make([]domain.EntityKey, 0, len(b.deletes))
	for _, doc := range b.deletes {
		key, err := schema.KeyOf(doc)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", b.table.name, err)
		}
		deletes = append(deletes, key)
	}

	s := b.table.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	rows := s.tables[b.table.name]
	maps.Copy(rows, puts)
	for _, key := range deletes {
		delete(rows, key)
	}
	return nil
}
