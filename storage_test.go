package docrelay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("one")))
	require.NoError(t, s.Put(ctx, "a", []byte("two")))

	data, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)
	require.Equal(t, 1, s.Len())
}

func TestMemStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for _, k := range []string{"docs/b.pdf", "docs/a.pdf", "other/c.pdf"} {
		require.NoError(t, s.Put(ctx, k, []byte("x")))
	}

	keys, err := s.List(ctx, "docs/")
	require.NoError(t, err)
	require.Equal(t, []string{"docs/a.pdf", "docs/b.pdf"}, keys)

	keys, err = s.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"docs/a.pdf", "docs/b.pdf", "other/c.pdf"}, keys)

	keys, err = s.List(ctx, "missing/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemStoreIsolatesCallerBytes(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	buf := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", buf))
	buf[0] = 'z'

	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data)
	data[1] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	s := NewRedisStore(rdb, "staging")

	_, err := s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrObjectNotFound)
	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, "docs/a.pdf", []byte("pdf")))
	require.NoError(t, s.Put(ctx, "docs/b.pdf", []byte("pdf")))
	require.NoError(t, s.Put(ctx, "out/a.json", []byte("{}")))

	data, err := s.Get(ctx, "docs/a.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("pdf"), data)

	keys, err := s.List(ctx, "docs/")
	require.NoError(t, err)
	require.Equal(t, []string{"docs/a.pdf", "docs/b.pdf"}, keys)
}

func TestRedisStoreNamespacesByName(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()

	src := NewRedisStore(rdb, "source")
	tgt := NewRedisStore(rdb, "target")
	require.NoError(t, src.Put(ctx, "a", []byte("x")))

	ok, err := tgt.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}
