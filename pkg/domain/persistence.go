package domain

import (
	"context"
	"iter"
	"sync/atomic"
)

// RecordStream is a lazily materialized, forward-only sequence of raw records.
// A non-nil error ends the stream.
type RecordStream = iter.Seq2[Document, error]

// BatchWrite accumulates puts and key-only deletes and executes them as one
// request. The outcome is all-or-nothing from the caller's point of view: a
// non-nil error means the batch failed or could not be confirmed, possibly
// after some items were applied.
type BatchWrite interface {
	AddDocumentToPut(doc Document)
	AddKeyToDelete(key Document)
	Execute(ctx context.Context) error
}

// Table is the narrow capability the engine consumes from a remote keyed store.
type Table interface {
	Name() string
	Schema() KeySchema
	CreateBatchWrite() BatchWrite
	Query(ctx context.Context, q Query) RecordStream
}

// TableProvider opens tables by name. Implementations create the backing
// structure on first use where the backend requires it.
type TableProvider interface {
	OpenTable(ctx context.Context, name string, schema KeySchema) (Table, error)
}

// OnceStream wraps seq so that only the first range over it produces records;
// later ranges yield ErrStreamConsumed.
func OnceStream(seq RecordStream) RecordStream {
	var used atomic.Bool
	return func(yield func(Document, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}

// ErrorStream returns a stream that yields only err.
func ErrorStream(err error) RecordStream {
	return func(yield func(Document, error) bool) {
		yield(nil, err)
	}
}
