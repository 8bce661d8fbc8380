package core

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelTracerRecordsSubmitAndQuerySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	books := newBooks(t, newFakeTable("books", bookSchema, bookDoc("ann", "Dune", 1)), nil, WithTracer(NewOTelTracer(tp)))
	ctx := context.Background()

	if _, err := books.All(ctx, byAuthor("ann")); err != nil {
		t.Fatalf("query: %v", err)
	}
	books.AddNewEntity(&book{Author: "bo", Title: "Ice"})
	if err := books.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "datacontext.query" || spans[1].Name() != "datacontext.submit" {
		t.Fatalf("unexpected span names %s, %s", spans[0].Name(), spans[1].Name())
	}
	var tableAttr string
	for _, attr := range spans[1].Attributes() {
		if attr.Key == "datacontext.table" {
			tableAttr = attr.Value.AsString()
		}
	}
	if tableAttr != "books" {
		t.Fatalf("expected table attribute books, got %q", tableAttr)
	}
}

func TestOTelSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := NewOTelTracer(tp).Start(context.Background(), "submit:books")
	span.End(errors.New("boom"))

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Fatalf("unexpected status %+v", ended[0].Status())
	}
	if len(ended[0].Events()) == 0 {
		t.Fatalf("expected recorded error event")
	}
}

func TestNewOTelTracerDefaultsToGlobalProvider(t *testing.T) {
	ctx, span := NewOTelTracer(nil).Start(context.Background(), "query:books")
	if ctx == nil {
		t.Fatalf("expected context")
	}
	span.End(nil)
}
