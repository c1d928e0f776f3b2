package docrelay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopConverter struct {
	serial int32
}

func (*nopConverter) Convert(context.Context, Input, ObjectStore, string) (Output, error) {
	return Output{}, nil
}

// countingBuilder returns a fresh trivial converter and counts constructions.
func countingBuilder(n *atomic.Int32) Builder {
	return func(ConvertOptions) (Converter, error) {
		return &nopConverter{serial: n.Add(1)}, nil
	}
}

func TestCache_SingleFlight_ExactlyOneBuild(t *testing.T) {
	c := NewConverterCache(CacheConfig{})
	var builds atomic.Int32
	opts := DefaultConvertOptions()

	const goroutines = 32
	var wg sync.WaitGroup
	handles := make([]*Handle, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), opts, countingBuilder(&builds))
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), builds.Load())
	require.Equal(t, 1, c.Len())
	// Everyone got the same underlying instance.
	for i := 1; i < goroutines; i++ {
		require.Same(t, handles[0].Converter, handles[i].Converter)
	}
	for _, h := range handles {
		h.Release()
	}
}

func TestCache_BuildFailure_NotRetained(t *testing.T) {
	c := NewConverterCache(CacheConfig{})
	boom := errors.New("model load failed")
	calls := 0
	failing := func(ConvertOptions) (Converter, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return &nopConverter{}, nil
	}

	_, err := c.Acquire(context.Background(), DefaultConvertOptions(), failing)
	var initErr *ConverterInitError
	require.ErrorAs(t, err, &initErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, c.Len())

	// The failed entry was dropped, so the next caller constructs again.
	h, err := c.Acquire(context.Background(), DefaultConvertOptions(), failing)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	h.Release()
}

func TestCache_DistinctFingerprints_DistinctInstances(t *testing.T) {
	c := NewConverterCache(CacheConfig{})
	var builds atomic.Int32

	a := DefaultConvertOptions()
	b := DefaultConvertOptions()
	b.DoOCR = !b.DoOCR

	ha, err := c.Acquire(context.Background(), a, countingBuilder(&builds))
	require.NoError(t, err)
	hb, err := c.Acquire(context.Background(), b, countingBuilder(&builds))
	require.NoError(t, err)

	require.Equal(t, int32(2), builds.Load())
	require.NotEqual(t, ha.Fingerprint(), hb.Fingerprint())
	ha.Release()
	hb.Release()
}

func TestCache_DisableSharing_PrivateInstances(t *testing.T) {
	c := NewConverterCache(CacheConfig{DisableSharing: true})
	var builds atomic.Int32
	opts := DefaultConvertOptions()

	h1, err := c.Acquire(context.Background(), opts, countingBuilder(&builds))
	require.NoError(t, err)
	h2, err := c.Acquire(context.Background(), opts, countingBuilder(&builds))
	require.NoError(t, err)

	require.Equal(t, int32(2), builds.Load())
	require.NotSame(t, h1.Converter, h2.Converter)
	require.Equal(t, 0, c.Len())
	h1.Release()
	h2.Release()
}

func TestCache_Eviction_SkipsBorrowed(t *testing.T) {
	c := NewConverterCache(CacheConfig{MaxEntries: 1})
	var builds atomic.Int32

	a := DefaultConvertOptions()
	b := DefaultConvertOptions()
	b.TableMode = "fast"

	ha, err := c.Acquire(context.Background(), a, countingBuilder(&builds))
	require.NoError(t, err)

	// a is still borrowed, so inserting b cannot evict it.
	hb, err := c.Acquire(context.Background(), b, countingBuilder(&builds))
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	// After releasing both, the next insert evicts down to the bound.
	ha.Release()
	hb.Release()
	cOpts := DefaultConvertOptions()
	cOpts.TableMode = "other"
	hc, err := c.Acquire(context.Background(), cOpts, countingBuilder(&builds))
	require.NoError(t, err)
	defer hc.Release()
	require.LessOrEqual(t, c.Len(), 2)

	// The same options acquired again are a hit, not a rebuild.
	before := builds.Load()
	h2, err := c.Acquire(context.Background(), cOpts, countingBuilder(&builds))
	require.NoError(t, err)
	defer h2.Release()
	require.Equal(t, before, builds.Load())
}

func TestCache_Clear_KeepsBorrowed(t *testing.T) {
	c := NewConverterCache(CacheConfig{})
	var builds atomic.Int32

	a := DefaultConvertOptions()
	b := DefaultConvertOptions()
	b.OCREngine = "tesseract"

	ha, err := c.Acquire(context.Background(), a, countingBuilder(&builds))
	require.NoError(t, err)
	hb, err := c.Acquire(context.Background(), b, countingBuilder(&builds))
	require.NoError(t, err)
	hb.Release()

	c.Clear()
	// b was released and dropped; a is borrowed and stays.
	require.Equal(t, 1, c.Len())
	ha.Release()
	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestCache_Warm(t *testing.T) {
	c := NewConverterCache(CacheConfig{})
	var builds atomic.Int32
	require.NoError(t, c.Warm(context.Background(), countingBuilder(&builds)))
	require.Equal(t, int32(1), builds.Load())
	require.Equal(t, 1, c.Len())

	// The warmed instance serves the first real acquire without building.
	h, err := c.Acquire(context.Background(), DefaultConvertOptions(), countingBuilder(&builds))
	require.NoError(t, err)
	defer h.Release()
	require.Equal(t, int32(1), builds.Load())
}

func TestCache_ReleaseIdempotent(t *testing.T) {
	c := NewConverterCache(CacheConfig{})
	var builds atomic.Int32
	h, err := c.Acquire(context.Background(), DefaultConvertOptions(), countingBuilder(&builds))
	require.NoError(t, err)
	h.Release()
	h.Release() // second release must not underflow the borrow count

	h2, err := c.Acquire(context.Background(), DefaultConvertOptions(), countingBuilder(&builds))
	require.NoError(t, err)
	h2.Release()
	require.Equal(t, int32(1), builds.Load())
}
