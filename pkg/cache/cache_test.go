package cache

import (
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/fiatjaf/eventstore/badger"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Name    string `json:"name"`
	Created int64  `json:"created"`
}

func exercise(t *testing.T, tbl Table[entry]) {
	require.NoError(t, tbl.Set("b", entry{"bob", 2}))
	require.NoError(t, tbl.Set("a", entry{"alice", 1}))
	v, ok := tbl.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "alice", v.Name)
	_, ok = tbl.Get("zed")
	assert.False(t, ok)
	got := tbl.BulkGet([]string{"b", "missing", "a"})
	assert.Equal(t, []entry{{"bob", 2}, {"alice", 1}}, got)
	assert.Equal(t, []entry{{"alice", 1}, {"bob", 2}}, tbl.Snapshot())
}

func TestMemory(t *testing.T) {
	m := NewMemory[entry]()
	exercise(t, m)
	assert.Equal(t, 2, m.Len())
}

func TestBadgerPersists(t *testing.T) {
	dir := t.TempDir()
	db, e := Open(dir)
	require.NoError(t, e)
	exercise(t, NewBadger[entry](db, "people"))
	require.NoError(t, NewBadger[entry](db, "other").Set("a", entry{"x", 9}))
	db.Close()

	db, e = Open(dir)
	require.NoError(t, e)
	defer db.Close()
	tbl := NewBadger[entry](db, "people")
	assert.Empty(t, tbl.Snapshot())
	require.NoError(t, tbl.Preload(context.Bg()))
	assert.Equal(t, []entry{{"alice", 1}, {"bob", 2}}, tbl.Snapshot())
	v, ok := NewBadger[entry](db, "other").Get("a")
	assert.True(t, ok)
	assert.Equal(t, "x", v.Name)
}

func TestEventStore(t *testing.T) {
	backend := &badger.BadgerBackend{Path: t.TempDir()}
	require.NoError(t, backend.Init())
	defer backend.Close()
	s := &EventStore{Store: backend}
	sk := nostr.GeneratePrivateKey()
	var evs []*nostr.Event
	for i, k := range []int{1, 1, 7} {
		ev := &nostr.Event{CreatedAt: nostr.Timestamp(1000 + i), Kind: k,
			Content: "n", Tags: nostr.Tags{}}
		require.NoError(t, ev.Sign(sk))
		require.NoError(t, s.Event(context.Bg(), ev))
		evs = append(evs, ev)
	}
	require.NoError(t, s.Event(context.Bg(), evs[0]))
	out, e := s.Query(context.Bg(), nostr.Filters{{Kinds: []int{1}},
		{IDs: []string{evs[0].ID}}})
	require.NoError(t, e)
	assert.Len(t, out, 2)
	for _, ev := range out {
		assert.Equal(t, 1, ev.Kind)
	}
}
