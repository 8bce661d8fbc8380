package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendSetGetDelete(t *testing.T) {
	ctx := context.Background()
	b := New(0, time.Minute)
	require.NoError(t, b.Set(ctx, "books:e:a", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "books:e:b", []byte("2"), 0))
	require.NoError(t, b.Set(ctx, "notes:e:a", []byte("3"), 0))

	v, ok, err := b.Get(ctx, "books:e:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	keys, err := b.Keys(ctx, "books:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"books:e:a", "books:e:b"}, keys)

	require.NoError(t, b.Delete(ctx, "books:e:a", "missing"))
	_, ok, _ = b.Get(ctx, "books:e:a")
	assert.False(t, ok)
	require.NoError(t, b.Close())
	assert.Zero(t, b.Len())
}

func TestBackendPerEntryTTL(t *testing.T) {
	ctx := context.Background()
	b := New(0, time.Hour)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Second))
	_, ok, _ := b.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	keys, _ := b.Keys(ctx, "")
	assert.Empty(t, keys)
	_, ok, _ = b.Get(ctx, "k")
	assert.False(t, ok)
}

func TestBackendSizeBound(t *testing.T) {
	ctx := context.Background()
	b := New(2, time.Minute)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set(ctx, k, []byte(k), 0))
	}
	assert.Equal(t, 2, b.Len())
	_, ok, _ := b.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")
}

func TestBackendReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b := New(0, time.Minute)
	in := []byte("abc")
	require.NoError(t, b.Set(ctx, "k", in, 0))
	in[0] = 'x'
	out, _, _ := b.Get(ctx, "k")
	out[1] = 'y'
	again, _, _ := b.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}
