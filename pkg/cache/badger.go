package cache

import (
	"encoding/json"
	"fmt"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// DB is a badger database shared by the persistent tables.
type DB struct {
	Path string
	*badger.DB
}

// Open opens (creating if needed) the badger database at path. An empty path
// opens an in-memory database.
func Open(path string) (db *DB, e error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Compression = options.ZSTD
	opts.CompactL0OnClose = true
	opts.Logger = nil
	db = &DB{Path: path}
	log.I.Ln("opening badger cache at", path)
	if db.DB, e = badger.Open(opts); chk.E(e) {
		return nil, fmt.Errorf("opening cache %s: %w", path, e)
	}
	return
}

func (db *DB) Close() { chk.E(db.DB.Close()) }

// Badger is a Table persisted as JSON in a badger database, under a key
// prefix per table, and mirrored in memory once preloaded.
type Badger[T any] struct {
	db     *DB
	prefix []byte
	mem    *Memory[T]
}

var _ Table[int] = (*Badger[int])(nil)

func NewBadger[T any](db *DB, name string) *Badger[T] {
	return &Badger[T]{db: db, prefix: []byte(name + ":"), mem: NewMemory[T]()}
}

func (t *Badger[T]) key(k string) []byte {
	return append(append([]byte(nil), t.prefix...), k...)
}

// Get reads from memory, falling back to the database.
func (t *Badger[T]) Get(key string) (v T, ok bool) {
	if v, ok = t.mem.Get(key); ok {
		return
	}
	e := t.db.View(func(txn *badger.Txn) (err error) {
		var item *badger.Item
		if item, err = txn.Get(t.key(key)); err != nil {
			return
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if e != nil {
		if e != badger.ErrKeyNotFound {
			log.D.F("cache get %s: %v", key, e)
		}
		var zero T
		return zero, false
	}
	t.mem.Set(key, v)
	return v, true
}

func (t *Badger[T]) BulkGet(keys []string) (out []T) {
	for _, k := range keys {
		if v, ok := t.Get(k); ok {
			out = append(out, v)
		}
	}
	return
}

func (t *Badger[T]) Set(key string, v T) (e error) {
	var b []byte
	if b, e = json.Marshal(v); chk.E(e) {
		return
	}
	if e = t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(t.key(key), b)
	}); chk.E(e) {
		return
	}
	t.mem.Set(key, v)
	return
}

// Preload reads the whole table into memory.
func (t *Badger[T]) Preload(c context.T) (e error) {
	return t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: t.prefix,
			PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := c.Err(); err != nil {
				return err
			}
			item := it.Item()
			k := string(item.Key()[len(t.prefix):])
			if err := item.Value(func(val []byte) error {
				var v T
				if err := json.Unmarshal(val, &v); err != nil {
					log.D.F("skipping undecodable cache entry %s: %v", k, err)
					return nil
				}
				t.mem.Set(k, v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot is the in-memory view, complete after Preload.
func (t *Badger[T]) Snapshot() []T { return t.mem.Snapshot() }
