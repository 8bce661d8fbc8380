package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"datacontext/internal/cache"
	"datacontext/internal/config"
	"datacontext/internal/core"
	"datacontext/internal/infra/store/memory"
	"datacontext/pkg/domain"
)

type shelfBook struct {
	Author string `json:"author"`
	Title  string `json:"title"`
}

var shelfSchema = domain.KeySchema{HashKey: "author", RangeKey: "title"}

func openShelf(t *testing.T, tables domain.TableProvider, caches domain.CacheProvider) *core.UnitOfWork[shelfBook] {
	t.Helper()
	dc := core.NewDataContext(tables, caches)
	books, err := core.GetTable[shelfBook](context.Background(), dc, "books", shelfSchema, core.TableConfig[shelfBook]{})
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	return books
}

func TestFailedDeleteDoesNotLeaveStaleCachedIndex(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	caches, err := cache.Open(config.CacheConfig{Driver: config.CacheMemory, TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer func() { _ = caches.Close() }()
	byAuthor := domain.NewQuery().Where("author", domain.Eq(domain.StringKey("a")))

	books := openShelf(t, mem, caches)
	books.AddNewEntity(&shelfBook{Author: "a", Title: "x"})
	if err := books.SubmitChanges(ctx); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	found, err := books.All(ctx, byAuthor)
	if err != nil || len(found) != 1 {
		t.Fatalf("indexing query returned %d entities, %v", len(found), err)
	}

	books.RemoveEntity(found[0])
	mem.FailWrites(errors.New("boom"))
	if err := books.SubmitChanges(ctx); !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("expected store write error, got %v", err)
	}
	mem.FailWrites(nil)
	if n := mem.Len("books"); n != 1 {
		t.Fatalf("store rows after failed delete: %d", n)
	}

	fresh := openShelf(t, mem, caches)
	again, err := fresh.All(ctx, byAuthor)
	if err != nil {
		t.Fatalf("query after failed delete: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("query after failed delete returned %d entities, store has 1", len(again))
	}
}

func TestFailedUpdateDoesNotLeaveStaleCachedIndex(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	caches, err := cache.Open(config.CacheConfig{Driver: config.CacheMemory, TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer func() { _ = caches.Close() }()
	titled := domain.NewQuery().Where("title", domain.Eq(domain.StringKey("x")))

	schema := domain.KeySchema{HashKey: "author"}
	dc := core.NewDataContext(mem, caches)
	books, err := core.GetTable[shelfBook](ctx, dc, "authors", schema, core.TableConfig[shelfBook]{})
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	books.AddNewEntity(&shelfBook{Author: "a", Title: "x"})
	if err := books.SubmitChanges(ctx); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	found, err := books.All(ctx, titled)
	if err != nil || len(found) != 1 {
		t.Fatalf("indexing query returned %d entities, %v", len(found), err)
	}

	found[0].Title = "y"
	mem.FailWrites(errors.New("boom"))
	if err := books.SubmitChanges(ctx); !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("expected store write error, got %v", err)
	}
	mem.FailWrites(nil)

	freshDC := core.NewDataContext(mem, caches)
	fresh, err := core.GetTable[shelfBook](ctx, freshDC, "authors", schema, core.TableConfig[shelfBook]{})
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	again, err := fresh.All(ctx, titled)
	if err != nil || len(again) != 1 || again[0].Title != "x" {
		t.Fatalf("query after failed update returned %v, %v", again, err)
	}
}
