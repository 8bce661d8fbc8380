package core

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"datacontext/pkg/domain"
)

func TestSubmitPutsOnlyModifiedEntities(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100), bookDoc("ann", "Emma", 200))
	uow := newBooks(t, table, nil)

	books, err := uow.All(ctx, byAuthor("ann"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(books) != 2 {
		t.Fatalf("expected 2 books, got %d", len(books))
	}
	books[0].Pages = 101

	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	batch := table.lastBatch()
	if batch == nil || len(batch.puts) != 1 || len(batch.deletes) != 0 {
		t.Fatalf("expected one put, got %+v", batch)
	}
	if batch.puts[0]["title"] != "Dune" {
		t.Fatalf("expected Dune to be written, got %v", batch.puts[0])
	}
	row, _ := table.row(bookKey("ann", "Dune"))
	if row["pages"] != json.Number("101") {
		t.Fatalf("store not updated: %v", row)
	}

	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if table.batchCount() != 1 {
		t.Fatalf("second submit without changes must not write, batches=%d", table.batchCount())
	}
}

func TestUnmodifiedLoadWritesNothing(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100))
	uow := newBooks(t, table, nil)

	if _, err := uow.Find(ctx, "ann", "Dune"); err != nil {
		t.Fatalf("find: %v", err)
	}
	summary, err := uow.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !summary.Empty() {
		t.Fatalf("expected no pending changes, got %+v", summary)
	}
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if table.batchCount() != 0 {
		t.Fatalf("expected no batch, got %d", table.batchCount())
	}
}

func TestAddNewEntityConflictsWithLoadedKey(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100))
	uow := newBooks(t, table, nil)

	if _, err := uow.Find(ctx, "ann", "Dune"); err != nil {
		t.Fatalf("find: %v", err)
	}
	uow.AddNewEntity(&book{Author: "ann", Title: "Dune", Pages: 3})

	err := uow.SubmitChanges(ctx)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Key != bookKey("ann", "Dune") {
		t.Fatalf("expected conflict on ann|Dune, got %#v", err)
	}
	if table.batchCount() != 0 {
		t.Fatalf("conflict must abort before store I/O")
	}
}

func TestAddingSameKeyTwiceConflicts(t *testing.T) {
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)
	uow.AddNewEntity(&book{Author: "bo", Title: "Ice"})
	uow.AddNewEntity(&book{Author: "bo", Title: "Ice"})

	if err := uow.SubmitChanges(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRemoveThenReAddSameKeyPutsOnly(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100))
	uow := newBooks(t, table, nil)

	loaded, err := uow.Find(ctx, "ann", "Dune")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	uow.RemoveEntity(loaded)
	uow.AddNewEntity(&book{Author: "ann", Title: "Dune", Pages: 5})

	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	batch := table.lastBatch()
	if len(batch.puts) != 1 || len(batch.deletes) != 0 {
		t.Fatalf("expected a single put, got puts=%d deletes=%d", len(batch.puts), len(batch.deletes))
	}
	if _, ok := table.row(bookKey("ann", "Dune")); !ok {
		t.Fatalf("row must survive")
	}
}

func TestRemoveUncommittedAddedEntityIsForgotten(t *testing.T) {
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)
	draft := &book{Author: "cy", Title: "Draft"}
	uow.AddNewEntity(draft)
	uow.RemoveEntity(draft)

	if err := uow.SubmitChanges(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if table.batchCount() != 0 {
		t.Fatalf("expected no store traffic, got %d batches", table.batchCount())
	}
}

func TestRemoveCommittedAddedEntityDeletes(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)
	b := &book{Author: "cy", Title: "Final"}
	uow.AddNewEntity(b)
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit add: %v", err)
	}
	if got, ok := uow.Tracked(bookKey("cy", "Final")); !ok || got != b {
		t.Fatalf("committed addition must be tracked as loaded")
	}

	uow.RemoveEntity(b)
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit remove: %v", err)
	}
	if batch := table.lastBatch(); len(batch.deletes) != 1 {
		t.Fatalf("expected a delete, got %+v", batch)
	}
	if _, ok := table.row(bookKey("cy", "Final")); ok {
		t.Fatalf("row must be gone")
	}
}

func TestRemoveEntityWithoutKeyIsIgnored(t *testing.T) {
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)
	uow.RemoveEntity(&book{Title: "anonymous"})
	uow.RemoveEntity(nil)

	summary, err := uow.Pending()
	if err != nil || !summary.Empty() {
		t.Fatalf("expected nothing pending, got %+v err=%v", summary, err)
	}
}

func TestAddUpdatedEntityRejectsKeyChange(t *testing.T) {
	uow := newBooks(t, newFakeTable("books", bookSchema), nil)
	err := uow.AddUpdatedEntity(&book{Author: "ann", Title: "B"}, &book{Author: "ann", Title: "A"})
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestAddUpdatedEntityWithoutOldEntityAdds(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)
	if err := uow.AddUpdatedEntity(&book{Author: "di", Title: "New"}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := uow.AddUpdatedEntity(&book{Title: "keyless"}, nil); !errors.Is(err, domain.ErrKeyNotResolvable) {
		t.Fatalf("expected unresolvable key, got %v", err)
	}
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok := table.row(bookKey("di", "New")); !ok {
		t.Fatalf("expected new row")
	}
}

func TestAddUpdatedEntityReplacesLoaded(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100))
	uow := newBooks(t, table, nil)
	old, err := uow.Find(ctx, "ann", "Dune")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	replacement := &book{Author: "ann", Title: "Dune", Pages: 100}
	if err := uow.AddUpdatedEntity(replacement, old); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := uow.Tracked(bookKey("ann", "Dune")); got != replacement {
		t.Fatalf("replacement must be tracked")
	}
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if batch := table.lastBatch(); batch == nil || len(batch.puts) != 1 {
		t.Fatalf("replacement is written even when equal, got %+v", batch)
	}
}

func TestEditingLoadedKeyFailsAtSubmit(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100))
	uow := newBooks(t, table, nil)
	loaded, err := uow.Find(ctx, "ann", "Dune")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	loaded.Title = "Dune Messiah"

	if err := uow.SubmitChanges(ctx); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if table.batchCount() != 0 {
		t.Fatalf("expected no batch")
	}
}

func TestDiscardChanges(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 100))
	uow := newBooks(t, table, nil)
	loaded, _ := uow.Find(ctx, "ann", "Dune")
	uow.RemoveEntity(loaded)
	uow.AddNewEntity(&book{Author: "eve", Title: "Zero"})

	summary, _ := uow.Pending()
	if summary.Added != 1 || summary.Removed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	uow.DiscardChanges()
	if summary, _ := uow.Pending(); !summary.Empty() {
		t.Fatalf("expected nothing pending after discard, got %+v", summary)
	}
}

func TestNewUnitOfWorkValidation(t *testing.T) {
	if _, err := NewUnitOfWork[book](nil, TableConfig[book]{}); err == nil {
		t.Fatalf("expected error for nil table")
	}
	if _, err := NewUnitOfWork(newFakeTable("x", KeySchema{}), TableConfig[book]{}); !errors.Is(err, domain.ErrKeyNotResolvable) {
		t.Fatalf("expected missing hash key error, got %v", err)
	}
	if _, err := NewUnitOfWork(newFakeTable("x", bookSchema), TableConfig[book]{FixedHashKey: struct{}{}}); err == nil {
		t.Fatalf("expected error for unusable fixed hash key")
	}
}

type note struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func TestFixedHashKeyIsWrittenIntoDocuments(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("notes", KeySchema{HashKey: "shelf", RangeKey: "title"})
	uow, err := NewUnitOfWork(table, TableConfig[note]{FixedHashKey: "library"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	uow.AddNewEntity(&note{Title: "todo", Body: "milk"})
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	key := domain.NewCompositeKey(domain.StringKey("library"), domain.StringKey("todo"))
	row, ok := table.row(key)
	if !ok || row["shelf"] != "library" {
		t.Fatalf("expected fixed hash key in row, got %v", row)
	}
	found, err := uow.Find(ctx, "library", "todo")
	if err != nil || found.Body != "milk" {
		t.Fatalf("find: %v %+v", err, found)
	}
}

func TestNotifyNextSubmitIsOneShot(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)

	done := uow.NotifyNextSubmit()
	if again := uow.NotifyNextSubmit(); again != done {
		t.Fatalf("pending notification must be shared")
	}
	uow.AddNewEntity(&book{Author: "fay", Title: "One"})
	if err := uow.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err, ok := <-done; !ok || err != nil {
		t.Fatalf("expected nil outcome, got %v ok=%v", err, ok)
	}
	if _, ok := <-done; ok {
		t.Fatalf("channel must be closed after delivery")
	}

	failed := uow.NotifyNextSubmit()
	table.failWith = errors.New("throttled")
	uow.AddNewEntity(&book{Author: "fay", Title: "Two"})
	if err := uow.SubmitChanges(ctx); !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("expected store write error, got %v", err)
	}
	if err := <-failed; !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("notification must carry the failure, got %v", err)
	}
	if failed == done {
		t.Fatalf("each submit gets a fresh notification")
	}
}

func TestWrapperStates(t *testing.T) {
	b := &book{Author: "gil", Title: "Moss"}
	w, err := newLoadedWrapper(b, Codec[book](JSONCodec[book]{}))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if st, _ := w.State(); st != StateFresh {
		t.Fatalf("expected fresh, got %s", st)
	}
	if doc, _ := w.GetDocumentIfDirty(); doc != nil {
		t.Fatalf("fresh wrapper must not be dirty")
	}
	b.Pages = 7
	if st, _ := w.State(); st != StateDirty {
		t.Fatalf("expected dirty, got %s", st)
	}
	if doc, _ := w.GetDocumentIfDirty(); doc == nil {
		t.Fatalf("expected document for dirty wrapper")
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if st, _ := w.State(); st != StateCommitted {
		t.Fatalf("expected committed, got %s", st)
	}

	detached := newDetachedWrapper(&book{Author: "gil", Title: "New"}, Codec[book](JSONCodec[book]{}))
	if st, _ := detached.State(); st != StateDirty {
		t.Fatalf("detached wrapper starts dirty, got %s", st)
	}
	if _, err := newLoadedWrapper[book](nil, JSONCodec[book]{}); err == nil {
		t.Fatalf("expected error wrapping nil entity")
	}
}

func TestSubmitBatchOrderIsDeterministic(t *testing.T) {
	table := newFakeTable("books", bookSchema)
	uow := newBooks(t, table, nil)
	for _, title := range []string{"c", "a", "b"} {
		uow.AddNewEntity(&book{Author: "hal", Title: title})
	}
	if err := uow.SubmitChanges(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var titles []string
	for _, doc := range table.lastBatch().puts {
		titles = append(titles, doc["title"].(string))
	}
	if !slices.Equal(titles, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", titles)
	}
}
