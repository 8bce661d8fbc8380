// Package memory is an in-process cache backend built on an expirable LRU.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Backend keeps entries in an expirable LRU. The LRU evicts after the
// backend-wide TTL; shorter per-entry TTLs are enforced on read.
type Backend struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time
}

// New returns a backend holding at most size entries (unbounded when size
// is zero) for at most ttl each.
func New(size int, ttl time.Duration) *Backend {
	return &Backend{
		lru: expirable.NewLRU[string, entry](size, nil, ttl),
		now: time.Now,
	}
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := b.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !b.now().Before(e.expires) {
		b.lru.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (b *Backend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = b.now().Add(ttl)
	}
	b.lru.Add(key, e)
	return nil
}

func (b *Backend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		b.lru.Remove(k)
	}
	return nil
}

// Keys lists live keys starting with prefix.
func (b *Backend) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	now := b.now()
	for _, k := range b.lru.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e, ok := b.lru.Peek(k); ok && (e.expires.IsZero() || now.Before(e.expires)) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Len reports the number of entries, expired ones included until purged.
func (b *Backend) Len() int { return b.lru.Len() }

func (b *Backend) Close() error {
	b.lru.Purge()
	return nil
}
