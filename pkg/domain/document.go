package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is the serialized, store-native form of an entity: a flat or nested
// attribute map. Numbers decoded by this package are json.Number values.
type Document map[string]any

// CanonicalJSON returns a deterministic byte form of the document. Map keys
// are emitted in sorted order so equal documents produce equal bytes.
func (d Document) CanonicalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]any(d))
}

// Clone returns a deep copy of the document.
func (d Document) Clone() (Document, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := d.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return DecodeDocument(raw)
}

// DecodeDocument parses JSON bytes into a Document, keeping numbers as
// json.Number so that key components survive without float rounding.
func DecodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
