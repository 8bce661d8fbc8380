package core

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"datacontext/pkg/domain"
)

type book struct {
	Author string `json:"author"`
	Title  string `json:"title"`
	Pages  int    `json:"pages,omitempty"`
}

var bookSchema = KeySchema{HashKey: "author", RangeKey: "title"}

func bookDoc(author, title string, pages int) Document {
	doc := Document{"author": author, "title": title}
	if pages != 0 {
		doc["pages"] = pages
	}
	return doc
}

func bookKey(author, title string) EntityKey {
	return domain.NewCompositeKey(domain.StringKey(author), domain.StringKey(title))
}

func byAuthor(author string) Query {
	return domain.NewQuery().Where("author", domain.Eq(domain.StringKey(author)))
}

// fakeTable is an in-memory Table that records every batch.
type fakeTable struct {
	mu       sync.Mutex
	name     string
	schema   KeySchema
	rows     map[EntityKey]Document
	batches  []*fakeBatch
	queries  int
	failWith error
	// gate, when set, blocks Execute until closed.
	gate chan struct{}
}

func newFakeTable(name string, schema KeySchema, docs ...Document) *fakeTable {
	t := &fakeTable{name: name, schema: schema, rows: make(map[EntityKey]Document)}
	for _, doc := range docs {
		t.put(doc)
	}
	return t
}

func (t *fakeTable) put(doc Document) {
	normalized, err := normalizeDoc(doc)
	if err != nil {
		panic(err)
	}
	key, err := t.schema.KeyOf(normalized)
	if err != nil {
		panic(err)
	}
	t.rows[key] = normalized
}

func normalizeDoc(doc Document) (Document, error) {
	raw, err := doc.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return domain.DecodeDocument(raw)
}

func (t *fakeTable) Name() string      { return t.name }
func (t *fakeTable) Schema() KeySchema { return t.schema }

func (t *fakeTable) CreateBatchWrite() domain.BatchWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &fakeBatch{table: t}
	t.batches = append(t.batches, b)
	return b
}

func (t *fakeTable) Query(_ context.Context, q Query) domain.RecordStream {
	t.mu.Lock()
	t.queries++
	var matched []Document
	for _, key := range slices.SortedFunc(maps.Keys(t.rows), EntityKey.Compare) {
		if q.Match(t.rows[key]) {
			doc, _ := t.rows[key].Clone()
			matched = append(matched, doc)
		}
	}
	t.mu.Unlock()
	return domain.OnceStream(func(yield func(Document, error) bool) {
		for _, doc := range matched {
			if !yield(doc, nil) {
				return
			}
		}
	})
}

func (t *fakeTable) batchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

func (t *fakeTable) lastBatch() *fakeBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.batches) == 0 {
		return nil
	}
	return t.batches[len(t.batches)-1]
}

func (t *fakeTable) row(key EntityKey) (Document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, ok := t.rows[key]
	return doc, ok
}

type fakeBatch struct {
	table   *fakeTable
	puts    []Document
	deletes []Document
}

func (b *fakeBatch) AddDocumentToPut(doc Document) { b.puts = append(b.puts, doc) }
func (b *fakeBatch) AddKeyToDelete(key Document)   { b.deletes = append(b.deletes, key) }

func (b *fakeBatch) Execute(ctx context.Context) error {
	if b.table.gate != nil {
		select {
		case <-b.table.gate:
		case <-time.After(5 * time.Second):
			return errors.New("gate never opened")
		}
	}
	t := b.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	for _, doc := range b.puts {
		t.put(doc)
	}
	for _, keyDoc := range b.deletes {
		key, err := t.schema.KeyOf(keyDoc)
		if err != nil {
			return err
		}
		delete(t.rows, key)
	}
	return ctx.Err()
}

type fakeProvider struct {
	tables map[string]*fakeTable
}

func (p *fakeProvider) OpenTable(_ context.Context, name string, schema KeySchema) (Table, error) {
	if t, ok := p.tables[name]; ok {
		return t, nil
	}
	t := newFakeTable(name, schema)
	if p.tables == nil {
		p.tables = make(map[string]*fakeTable)
	}
	p.tables[name] = t
	return t, nil
}

// fakeCache records side-cache traffic.
type fakeCache struct {
	mu         sync.Mutex
	entities   map[EntityKey]Document
	indexes    map[string][]Document
	events     []string
	evicted    []EntityKey
	status     CacheStatus
	panics     bool
	onUpdate   func()
	indexPuts  int
	indexGets  int
	entityGets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entities: make(map[EntityKey]Document), indexes: make(map[string][]Document)}
}

func (c *fakeCache) GetEntity(_ context.Context, key EntityKey) (Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entityGets++
	doc, ok := c.entities[key]
	return doc, ok
}

func (c *fakeCache) GetIndex(_ context.Context, q Query) ([]Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexGets++
	docs, ok := c.indexes[q.IndexKey()]
	return docs, ok
}

func (c *fakeCache) PutIndex(_ context.Context, q Query, entries []IndexEntry) CacheStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexPuts++
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, e.Document)
		c.entities[e.Key] = e.Document
	}
	c.indexes[q.IndexKey()] = docs
	c.events = append(c.events, "put_index")
	return c.status
}

func (c *fakeCache) UpdateCacheAndIndexes(_ context.Context, added, modified map[EntityKey]Document, removed []EntityKey) CacheStatus {
	if c.onUpdate != nil {
		c.onUpdate()
	}
	if c.panics {
		panic("cache exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "update")
	maps.Copy(c.entities, added)
	maps.Copy(c.entities, modified)
	for _, key := range removed {
		delete(c.entities, key)
	}
	clear(c.indexes)
	return c.status
}

func (c *fakeCache) RemoveEntities(_ context.Context, keys []EntityKey) CacheStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "evict")
	c.evicted = append(c.evicted, keys...)
	for _, key := range keys {
		delete(c.entities, key)
	}
	return c.status
}

func (c *fakeCache) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetrics struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetrics) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.calls, metricsCall{op: op, success: success})
}

type captureLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *captureLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *captureLogger) saw(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.messages, msg)
}

func newBooks(t interface{ Fatalf(string, ...any) }, table Table, cache SideCache, opts ...Option) *UnitOfWork[book] {
	uow, err := NewUnitOfWork(table, TableConfig[book]{Cache: cache}, opts...)
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}
	return uow
}
