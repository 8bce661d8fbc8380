package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"datacontext/pkg/domain"
)

// Codec converts entities to and from their store-native documents. ToDocument
// must be deterministic: equal entity states must produce equal documents.
type Codec[T any] interface {
	ToDocument(entity *T) (Document, error)
	FromDocument(doc Document) (*T, error)
}

// JSONCodec maps entities through encoding/json, so struct tags decide
// attribute names.
type JSONCodec[T any] struct{}

var errNilEntity = errors.New("nil entity")

// ToDocument marshals the entity and decodes the bytes into a Document.
func (JSONCodec[T]) ToDocument(entity *T) (Document, error) {
	if entity == nil {
		return nil, errNilEntity
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return domain.DecodeDocument(raw)
}

// FromDocument builds a new entity from a document.
func (JSONCodec[T]) FromDocument(doc Document) (*T, error) {
	raw, err := doc.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := new(T)
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return out, nil
}

// fixedHashKeyCodec fills a predefined hash key value into every document,
// for tables partitioned under one hash key.
type fixedHashKeyCodec[T any] struct {
	inner Codec[T]
	field string
	value domain.KeyValue
}

func (c fixedHashKeyCodec[T]) ToDocument(entity *T) (Document, error) {
	doc, err := c.inner.ToDocument(entity)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	doc[c.field] = c.value.Value()
	return doc, nil
}

func (c fixedHashKeyCodec[T]) FromDocument(doc Document) (*T, error) {
	return c.inner.FromDocument(doc)
}
