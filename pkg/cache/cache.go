// Package cache holds the key/value tables the engine reads relay lists and
// profiles from, and the event store adapter used as a caching relay.
package cache

import (
	"os"
	"sort"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

// Table is a keyed store of T. The engine only ever goes through this
// interface; how values are persisted is up to the implementation.
type Table[T any] interface {
	Get(key string) (v T, ok bool)
	// BulkGet returns the values found for keys, in key order, skipping
	// missing ones.
	BulkGet(keys []string) []T
	Set(key string, v T) error
	// Preload warms the table from its backing store.
	Preload(c context.T) error
	// Snapshot returns every value.
	Snapshot() []T
}

// Memory is a Table held only in memory.
type Memory[T any] struct {
	m *xsync.MapOf[string, T]
}

var _ Table[int] = (*Memory[int])(nil)

func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{m: xsync.NewMapOf[T]()}
}

func (t *Memory[T]) Get(key string) (v T, ok bool) { return t.m.Load(key) }

func (t *Memory[T]) BulkGet(keys []string) (out []T) {
	for _, k := range keys {
		if v, ok := t.m.Load(k); ok {
			out = append(out, v)
		}
	}
	return
}

func (t *Memory[T]) Set(key string, v T) error {
	t.m.Store(key, v)
	return nil
}

func (t *Memory[T]) Preload(context.T) error { return nil }

// Snapshot returns the values ordered by key.
func (t *Memory[T]) Snapshot() (out []T) {
	var keys []string
	t.m.Range(func(k string, _ T) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return t.BulkGet(keys)
}

func (t *Memory[T]) Len() int { return t.m.Size() }
