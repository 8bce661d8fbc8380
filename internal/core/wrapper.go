package core

import (
	"bytes"
	"fmt"
)

// WrapperState describes a tracked entity relative to its last snapshot.
type WrapperState int

const (
	// StateFresh means the entity serializes to its load-time snapshot.
	StateFresh WrapperState = iota
	// StateDirty means the serialized form diverged from the snapshot.
	StateDirty
	// StateCommitted is StateFresh reached through an explicit Commit.
	StateCommitted
)

func (s WrapperState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateDirty:
		return "dirty"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// EntityWrapper owns one tracked entity and the canonical serialization it had
// when it was loaded or last committed. It performs no I/O.
type EntityWrapper[T any] struct {
	entity    *T
	codec     Codec[T]
	snapshot  []byte
	committed bool
}

// newLoadedWrapper snapshots entity as it was read from the store.
func newLoadedWrapper[T any](entity *T, codec Codec[T]) (*EntityWrapper[T], error) {
	w := &EntityWrapper[T]{entity: entity, codec: codec}
	_, raw, err := w.serialize()
	if err != nil {
		return nil, err
	}
	w.snapshot = raw
	return w, nil
}

// newDetachedWrapper tracks an entity the store has not confirmed; it stays
// dirty until committed.
func newDetachedWrapper[T any](entity *T, codec Codec[T]) *EntityWrapper[T] {
	return &EntityWrapper[T]{entity: entity, codec: codec}
}

// Entity returns the live entity.
func (w *EntityWrapper[T]) Entity() *T { return w.entity }

// IsCommitted reports whether the wrapper went through at least one Commit.
func (w *EntityWrapper[T]) IsCommitted() bool { return w.committed }

func (w *EntityWrapper[T]) serialize() (Document, []byte, error) {
	doc, err := w.codec.ToDocument(w.entity)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize entity: %w", err)
	}
	raw, err := doc.CanonicalJSON()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize entity: %w", err)
	}
	return doc, raw, nil
}

// inspect returns the current document and whether it differs from the snapshot.
func (w *EntityWrapper[T]) inspect() (Document, bool, error) {
	doc, raw, err := w.serialize()
	if err != nil {
		return nil, false, err
	}
	return doc, w.snapshot == nil || !bytes.Equal(raw, w.snapshot), nil
}

// GetDocumentIfDirty returns the current document, or nil when it equals the
// snapshot. Repeated calls on an unmodified entity keep returning nil.
func (w *EntityWrapper[T]) GetDocumentIfDirty() (Document, error) {
	doc, dirty, err := w.inspect()
	if err != nil || !dirty {
		return nil, err
	}
	return doc, nil
}

// Commit replaces the snapshot with the current serialization. Call it only
// after the matching store write is confirmed.
func (w *EntityWrapper[T]) Commit() error {
	_, raw, err := w.serialize()
	if err != nil {
		return err
	}
	w.snapshot = raw
	w.committed = true
	return nil
}

// State classifies the wrapper.
func (w *EntityWrapper[T]) State() (WrapperState, error) {
	_, dirty, err := w.inspect()
	switch {
	case err != nil:
		return StateDirty, err
	case dirty:
		return StateDirty, nil
	case w.committed:
		return StateCommitted, nil
	default:
		return StateFresh, nil
	}
}
