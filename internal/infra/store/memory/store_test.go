package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacontext/pkg/domain"
)

var schema = domain.KeySchema{HashKey: "id", RangeKey: "seq"}

func collect(t *testing.T, stream domain.RecordStream) []domain.Document {
	t.Helper()
	var out []domain.Document
	for doc, err := range stream {
		require.NoError(t, err)
		out = append(out, doc)
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	tbl, err := store.OpenTable(ctx, "events", schema)
	require.NoError(t, err)

	b := tbl.CreateBatchWrite()
	b.AddDocumentToPut(domain.Document{"id": "a", "seq": 1, "v": "x"})
	b.AddDocumentToPut(domain.Document{"id": "a", "seq": 2, "v": "y"})
	b.AddDocumentToPut(domain.Document{"id": "b", "seq": 1})
	require.NoError(t, b.Execute(ctx))
	assert.Equal(t, 3, store.Len("events"))

	q := domain.NewQuery().Where("id", domain.Eq(domain.StringKey("a")))
	docs := collect(t, tbl.Query(ctx, q))
	require.Len(t, docs, 2)
	assert.Equal(t, "x", docs[0]["v"])

	docs[0]["v"] = "mutated"
	again := collect(t, tbl.Query(ctx, q))
	assert.Equal(t, "x", again[0]["v"], "stored documents must not alias query results")

	del := tbl.CreateBatchWrite()
	del.AddKeyToDelete(domain.Document{"id": "a", "seq": 1})
	require.NoError(t, del.Execute(ctx))
	assert.Len(t, collect(t, tbl.Query(ctx, q)), 1)
}

func TestStreamIsSinglePass(t *testing.T) {
	ctx := context.Background()
	tbl, err := NewStore().OpenTable(ctx, "events", schema)
	require.NoError(t, err)
	stream := tbl.Query(ctx, domain.NewQuery())
	collect(t, stream)
	for _, err := range stream {
		assert.ErrorIs(t, err, domain.ErrStreamConsumed)
	}
}

func TestBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	tbl, err := store.OpenTable(ctx, "events", schema)
	require.NoError(t, err)

	b := tbl.CreateBatchWrite()
	b.AddDocumentToPut(domain.Document{"id": "a", "seq": 1})
	b.AddDocumentToPut(domain.Document{"seq": 2})
	require.ErrorIs(t, b.Execute(ctx), domain.ErrKeyNotResolvable)
	assert.Equal(t, 0, store.Len("events"))

	store.FailWrites(errors.New("offline"))
	ok := tbl.CreateBatchWrite()
	ok.AddDocumentToPut(domain.Document{"id": "a", "seq": 1})
	require.EqualError(t, ok.Execute(ctx), "offline")
	store.FailWrites(nil)
	require.NoError(t, ok.Execute(ctx))
	assert.Equal(t, 1, store.Len("events"))
}

func TestOpenTableValidatesSchema(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, err := store.OpenTable(ctx, "events", domain.KeySchema{})
	require.Error(t, err)
	_, err = store.OpenTable(ctx, "events", schema)
	require.NoError(t, err)
	_, err = store.OpenTable(ctx, "events", domain.KeySchema{HashKey: "other"})
	require.Error(t, err)
}
