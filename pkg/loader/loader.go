// Package loader fetches metadata for keys in the background: requests from
// many callers are collected, deduplicated against what is in flight and
// fetched in batches, and keys that came back empty are not asked for again
// for a while.
package loader

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

var log, chk = slog.New(os.Stderr)

const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultTimeout     = 10 * time.Second
	DefaultNegativeTTL = 5 * time.Minute
	negativeCacheSize  = 10000
)

// FetchFunc loads keys, returning the values it found. Keys missing from the
// result are negatively cached.
type FetchFunc[V any] func(c context.T, keys []string) (map[string]V, error)

type Config[V any] struct {
	Table cache.Table[V]
	Fetch FetchFunc[V]
	// Stale reports whether a cached value should be refreshed.
	Stale func(v V) bool
	// Merge picks the value to keep when one is already cached; nil keeps
	// the fetched one.
	Merge       func(old, fetched V) V
	Clock       clock.Clock
	Interval    time.Duration
	Timeout     time.Duration
	NegativeTTL time.Duration
}

type T[V any] struct {
	cfg      Config[V]
	mx       sync.Mutex
	wanted   map[string]struct{}
	inflight map[string]struct{}
	// negative holds when each missing key was last fetched, aged against
	// the configured clock.
	negative *lru.Cache[string, time.Time]
	wg       sync.WaitGroup
}

func New[V any](cfg Config[V]) (l *T[V]) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	l = &T[V]{
		cfg:      cfg,
		wanted:   make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
	var e error
	if l.negative, e = lru.New[string, time.Time](negativeCacheSize); e != nil {
		panic(e)
	}
	return
}

// missing reports whether k came back empty less than NegativeTTL ago.
func (l *T[V]) missing(k string) bool {
	at, ok := l.negative.Get(k)
	if !ok {
		return false
	}
	if l.cfg.Clock.Since(at) >= l.cfg.NegativeTTL {
		l.negative.Remove(k)
		return false
	}
	return true
}

// Want asks for keys to be loaded on the next flush. Keys that are cached and
// fresh, already in flight, or recently found missing are skipped.
func (l *T[V]) Want(keys ...string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := l.inflight[k]; ok {
			continue
		}
		if l.missing(k) {
			continue
		}
		if v, ok := l.cfg.Table.Get(k); ok &&
			(l.cfg.Stale == nil || !l.cfg.Stale(v)) {
			continue
		}
		l.wanted[k] = struct{}{}
	}
}

// Pending is the number of keys waiting for the next flush.
func (l *T[V]) Pending() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.wanted)
}

// InFlight is the number of keys being fetched.
func (l *T[V]) InFlight() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.inflight)
}

// Run flushes every Interval until c is done.
func (l *T[V]) Run(c context.T) {
	ticker := l.cfg.Clock.Ticker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Done():
			l.wg.Wait()
			return
		case <-ticker.C:
			l.Flush(c)
		}
	}
}

// Flush starts fetching every wanted key in one batch.
func (l *T[V]) Flush(c context.T) {
	l.mx.Lock()
	if len(l.wanted) == 0 {
		l.mx.Unlock()
		return
	}
	keys := make([]string, 0, len(l.wanted))
	for k := range l.wanted {
		keys = append(keys, k)
		l.inflight[k] = struct{}{}
	}
	l.wanted = make(map[string]struct{})
	l.mx.Unlock()
	sort.Strings(keys)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.load(c, keys)
	}()
}

// Load fetches keys now and waits for the result.
func (l *T[V]) Load(c context.T, keys ...string) (found map[string]V) {
	l.mx.Lock()
	var todo []string
	for _, k := range keys {
		if _, ok := l.inflight[k]; ok {
			continue
		}
		l.inflight[k] = struct{}{}
		delete(l.wanted, k)
		todo = append(todo, k)
	}
	l.mx.Unlock()
	l.load(c, todo)
	found = make(map[string]V)
	for _, k := range keys {
		if v, ok := l.cfg.Table.Get(k); ok {
			found[k] = v
		}
	}
	return
}

func (l *T[V]) load(c context.T, keys []string) {
	defer func() {
		l.mx.Lock()
		for _, k := range keys {
			delete(l.inflight, k)
		}
		l.mx.Unlock()
	}()
	if len(keys) == 0 {
		return
	}
	cx, cancel := context.Timeout(c, l.cfg.Timeout)
	defer cancel()
	log.D.F("loading %d keys", len(keys))
	got, e := l.cfg.Fetch(cx, keys)
	if chk.D(e) {
		// a failed batch is retried on the next Want
		return
	}
	for _, k := range keys {
		v, ok := got[k]
		if !ok {
			l.negative.Add(k, l.cfg.Clock.Now())
			continue
		}
		if l.cfg.Merge != nil {
			if old, ok := l.cfg.Table.Get(k); ok {
				v = l.cfg.Merge(old, v)
			}
		}
		chk.E(l.cfg.Table.Set(k, v))
	}
}
