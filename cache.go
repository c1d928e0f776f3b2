package docrelay

import (
	"context"
	"slices"
	"sync"
)

// CacheConfig defines the behavior of a ConverterCache.
type CacheConfig struct {
	// DisableSharing makes every Acquire construct a private instance instead
	// of sharing by fingerprint. This trades memory for isolation when workers
	// must not share mutable converter state.
	DisableSharing bool
	// MaxEntries bounds the number of cached converters; 0 means unbounded.
	// Eviction is least-recently-used and never removes an entry that has
	// in-flight borrowers.
	MaxEntries int
	// Logger is used for cache events. Defaults to no logging.
	Logger Logger
}

// cacheEntry is a single-flight construction slot. ready is closed exactly
// once, after conv/err are set.
type cacheEntry struct {
	ready    chan struct{}
	conv     Converter
	err      error
	borrowed int
}

// ConverterCache shares expensive converter instances by configuration
// fingerprint. At most one construction per fingerprint runs at a time;
// concurrent callers for the same fingerprint block until it completes and
// receive the same instance. Failed constructions are not retained.
type ConverterCache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	entries map[string]*cacheEntry
	// lru orders fingerprints from least to most recently acquired.
	lru []string
	log Logger
}

// NewConverterCache creates a cache with the given configuration.
func NewConverterCache(cfg CacheConfig) *ConverterCache {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &ConverterCache{
		cfg:     cfg,
		entries: make(map[string]*cacheEntry),
		log:     lg,
	}
}

// Handle is a borrowed converter. Callers must Release it when done so the
// cache can evict safely.
type Handle struct {
	Converter

	cache       *ConverterCache
	fingerprint string
	private     bool
	released    bool
}

// Fingerprint returns the configuration fingerprint this handle was cached under.
func (h *Handle) Fingerprint() string { return h.fingerprint }

// Release returns the borrow to the cache. It is idempotent.
func (h *Handle) Release() {
	if h == nil || h.private || h.released {
		return
	}
	h.released = true
	h.cache.release(h.fingerprint)
}

// Acquire returns a converter for the given options, constructing one with
// build if no instance exists for the options' fingerprint. Construction is
// single-flight: concurrent callers for the same fingerprint block until the
// one construction finishes. A construction failure is reported to all
// waiters as a ConverterInitError and the entry is dropped, so the next
// Acquire retries.
func (c *ConverterCache) Acquire(ctx context.Context, opts ConvertOptions, build Builder) (*Handle, error) {
	fp := opts.Fingerprint()

	if c.cfg.DisableSharing {
		conv, err := build(opts)
		if err != nil {
			converterBuildFailures.Inc()
			return nil, &ConverterInitError{Fingerprint: fp, Err: err}
		}
		converterBuilds.Inc()
		return &Handle{Converter: conv, cache: c, fingerprint: fp, private: true}, nil
	}

	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		c.touch(fp)
		c.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, &ConverterInitError{Fingerprint: fp, Err: e.err}
		}
		c.mu.Lock()
		e.borrowed++
		c.mu.Unlock()
		converterCacheHits.Inc()
		return &Handle{Converter: e.conv, cache: c, fingerprint: fp}, nil
	}

	// First caller for this fingerprint constructs.
	e := &cacheEntry{ready: make(chan struct{})}
	c.entries[fp] = e
	c.lru = append(c.lru, fp)
	c.evictLocked()
	c.mu.Unlock()
	converterCacheMisses.Inc()

	conv, err := build(opts)
	c.mu.Lock()
	if err != nil {
		e.err = err
		delete(c.entries, fp)
		c.dropLRULocked(fp)
	} else {
		e.conv = conv
		e.borrowed = 1
	}
	close(e.ready)
	c.mu.Unlock()

	if err != nil {
		converterBuildFailures.Inc()
		c.log.Warnf("converter build failed: fingerprint=%s err=%v", fp, err)
		return nil, &ConverterInitError{Fingerprint: fp, Err: err}
	}
	converterBuilds.Inc()
	c.log.Debugf("converter built: fingerprint=%s", fp)
	return &Handle{Converter: conv, cache: c, fingerprint: fp}, nil
}

// Warm pre-builds the converter for the default options so the first task does
// not pay the construction cost.
func (c *ConverterCache) Warm(ctx context.Context, build Builder) error {
	h, err := c.Acquire(ctx, DefaultConvertOptions(), build)
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

// Clear drops every cached converter that has no in-flight borrowers.
// Borrowed instances stay valid for their holders; only the cache reference
// is removed.
func (c *ConverterCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, e := range c.entries {
		select {
		case <-e.ready:
		default:
			continue // construction in flight
		}
		if e.borrowed > 0 {
			continue
		}
		delete(c.entries, fp)
		c.dropLRULocked(fp)
	}
}

// Len returns the number of cached fingerprints, including in-flight builds.
func (c *ConverterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ConverterCache) release(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fp]; ok && e.borrowed > 0 {
		e.borrowed--
	}
}

// touch marks fp as the most recently used entry. Caller holds mu.
func (c *ConverterCache) touch(fp string) {
	c.dropLRULocked(fp)
	c.lru = append(c.lru, fp)
}

func (c *ConverterCache) dropLRULocked(fp string) {
	if i := slices.Index(c.lru, fp); i >= 0 {
		c.lru = slices.Delete(c.lru, i, i+1)
	}
}

// evictLocked removes least-recently-used entries beyond MaxEntries, skipping
// entries that are still constructing or have in-flight borrowers.
// Caller holds mu.
func (c *ConverterCache) evictLocked() {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for i := 0; len(c.entries) > c.cfg.MaxEntries && i < len(c.lru); {
		fp := c.lru[i]
		e := c.entries[fp]
		evictable := false
		if e != nil {
			select {
			case <-e.ready:
				evictable = e.err == nil && e.borrowed == 0
			default:
			}
		}
		if !evictable {
			i++
			continue
		}
		delete(c.entries, fp)
		c.lru = slices.Delete(c.lru, i, i+1)
		converterEvictions.Inc()
		c.log.Debugf("converter evicted: fingerprint=%s", fp)
	}
}
