package system

import (
	"errors"
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/outbox"
	"github.com/Hubmakerlabs/outboxr/pkg/query"
	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/Hubmakerlabs/outboxr/pkg/relaytest"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/Hubmakerlabs/outboxr/pkg/signer"
	"github.com/Hubmakerlabs/outboxr/pkg/socialgraph"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait, tick = 3 * time.Second, 10 * time.Millisecond

var rw = connection.Settings{Read: true, Write: true}

func noInfo(context.T, string) (*relayinfo.T, error) {
	return nil, errors.New("none")
}

func newSystem(t *testing.T, cfg Config, home ...*relaytest.Relay) *T {
	if cfg.FetchInfo == nil {
		cfg.FetchInfo = noInfo
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	for _, r := range home {
		require.NoError(t, s.ConnectToRelay(context.Bg(), r.URL, rw))
	}
	return s
}

func sign(t *testing.T, k *signer.Keys, ev *nostr.Event) *nostr.Event {
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	require.NoError(t, k.Sign(context.Bg(), ev))
	return ev
}

func pubkey(t *testing.T, k *signer.Keys) string {
	pk, e := k.GetPublicKey(context.Bg())
	require.NoError(t, e)
	return pk
}

func writesTo(pk string, urls ...string) outbox.UsersRelays {
	u := outbox.UsersRelays{PubKey: pk, Kind: 10002, Created: 1,
		Loaded: time.Now().Unix()}
	for _, r := range urls {
		u.Relays = append(u.Relays, outbox.RelayEntry{URL: normalize.URL(r),
			Settings: rw})
	}
	return u
}

func TestQueryFollowsAuthorsRelays(t *testing.T) {
	alice := signer.Generate()
	note := sign(t, alice, &nostr.Event{Kind: 1, Content: "from alice"})
	home := relaytest.New(t, relaytest.Behaviour{})
	theirs := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{note}})
	s := newSystem(t, Config{}, home)
	require.NoError(t, s.RelayCache.Set(pubkey(t, alice),
		writesTo(pubkey(t, alice), theirs.URL)))

	b := request.New("alice")
	b.WithFilter().Kinds(1).Authors(pubkey(t, alice))
	q := s.Query(context.Bg(), b)
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	evs := q.Feed.(*query.NoteCollection).Snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, note.ID, evs[0].ID)
	assert.Equal(t, 0, home.Count("REQ"))
	assert.Same(t, q, s.GetQuery("alice"))
}

func TestDisableOutboxUsesOwnRelays(t *testing.T) {
	alice := signer.Generate()
	home := relaytest.New(t, relaytest.Behaviour{})
	theirs := relaytest.New(t, relaytest.Behaviour{})
	s := newSystem(t, Config{DisableOutbox: true}, home)
	require.NoError(t, s.RelayCache.Set(pubkey(t, alice),
		writesTo(pubkey(t, alice), theirs.URL)))
	b := request.New("plain")
	b.WithFilter().Kinds(1).Authors(pubkey(t, alice))
	s.Fetch(context.Bg(), b, nil)
	assert.Equal(t, 1, home.Count("REQ"))
	assert.Equal(t, 0, theirs.Count("REQ"))
}

func TestRelayListsLoadInBackground(t *testing.T) {
	alice := signer.Generate()
	pk := pubkey(t, alice)
	list := sign(t, alice, &nostr.Event{Kind: 10002, Tags: nostr.Tags{
		{"r", "wss://alice.example.com"},
		{"r", "wss://inbox.example.com", "read"},
	}})
	home := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{list}})
	db, e := cache.Open("")
	require.NoError(t, e)
	t.Cleanup(db.Close)
	s := newSystem(t, Config{
		RelayCache: cache.NewBadger[outbox.UsersRelays](db, "relays")}, home)
	require.NoError(t, s.Init(context.Bg()))

	b := request.New("notes")
	b.WithFilter().Kinds(1).Authors(pk)
	q := s.Query(context.Bg(), b)
	assert.Equal(t, "fallback", q.Snapshot().Traces[0].Strategy)
	require.Eventually(t, func() bool {
		u, ok := s.RelaysOf(pk)
		return ok && len(u.Relays) == 2
	}, wait, tick)
	u, _ := s.RelaysOf(pk)
	assert.Equal(t, []string{"wss://alice.example.com"}, u.Write())
	assert.Equal(t, 10002, u.Kind)
}

func TestHandleEventUpdatesProfilesAndGraph(t *testing.T) {
	alice, bob := signer.Generate(), signer.Generate()
	s := newSystem(t, Config{BuildFollowGraph: true})
	pk := pubkey(t, alice)
	s.HandleEvent(sign(t, alice, &nostr.Event{Kind: 0, CreatedAt: 200,
		Content: `{"name":"alice","about":"new"}`}))
	s.HandleEvent(sign(t, alice, &nostr.Event{Kind: 0, CreatedAt: 100,
		Content: `{"name":"old alice"}`}))
	s.HandleEvent(sign(t, alice, &nostr.Event{Kind: 0, CreatedAt: 300,
		Content: `not json`}))
	p, ok := s.Profile(pk)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, nostr.Timestamp(200), p.Created)

	s.HandleEvent(sign(t, alice, &nostr.Event{Kind: 3,
		Tags:    nostr.Tags{{"p", pubkey(t, bob)}},
		Content: `{"wss://alice.example.com":{"read":true,"write":true}}`}))
	require.Eventually(t, func() bool { return s.Graph.Size() == 2 }, wait, tick)
	f := s.Graph.(*socialgraph.Follows)
	assert.True(t, f.IsFollowing(pk, pubkey(t, bob)))
	u, ok := s.RelaysOf(pk)
	require.True(t, ok)
	assert.Equal(t, 3, u.Kind)
}

func TestHandleEventReachesQueriesAndEmits(t *testing.T) {
	home := relaytest.New(t, relaytest.Behaviour{})
	s := newSystem(t, Config{}, home)
	got := make(chan query.Delivered, 4)
	s.Event.Subscribe(func(d query.Delivered) { got <- d })
	b := request.New("live").LeaveOpen()
	b.WithFilter().Kinds(1)
	q := s.Query(context.Bg(), b)
	ev := sign(t, signer.Generate(), &nostr.Event{Kind: 1, Content: "local"})
	s.HandleEvent(ev)
	select {
	case d := <-got:
		assert.Equal(t, "*", d.Query)
		assert.Equal(t, ev.ID, d.Event.ID)
	case <-time.After(wait):
		t.Fatal("no event signal")
	}
	assert.Equal(t, 1, q.Feed.(*query.NoteCollection).Len())
}

func TestBroadcastReachesInboxes(t *testing.T) {
	alice, bob := signer.Generate(), signer.Generate()
	home := relaytest.New(t, relaytest.Behaviour{})
	inbox := relaytest.New(t, relaytest.Behaviour{})
	s := newSystem(t, Config{}, home)
	u := writesTo(pubkey(t, bob), inbox.URL)
	u.Relays[0].Settings = connection.Settings{Read: true}
	require.NoError(t, s.RelayCache.Set(pubkey(t, bob), u))

	ev := sign(t, alice, &nostr.Event{Kind: 1, Content: "hi bob",
		Tags: nostr.Tags{{"p", pubkey(t, bob)}}})
	var seen int
	res := s.BroadcastEvent(context.Bg(), ev, func(connection.OkResponse) {
		seen++
	})
	require.Len(t, res, 2)
	for _, r := range res {
		assert.True(t, r.OK, r.Relay)
	}
	assert.Equal(t, 2, seen)
	assert.Equal(t, 1, home.Count("EVENT"))
	assert.Equal(t, 1, inbox.Count("EVENT"))
}

func TestWriteOnceToRelay(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{Reject: "blocked: spam"})
	s := newSystem(t, Config{})
	ev := sign(t, signer.Generate(), &nostr.Event{Kind: 1, Content: "once"})
	res := s.WriteOnceToRelay(context.Bg(), r.URL, ev)
	assert.False(t, res.OK)
	assert.Equal(t, "blocked: spam", res.Message)
	c := s.Pool.Get(r.URL)
	require.NotNil(t, c)
	assert.True(t, c.IsEphemeral())
}

func TestConnectAndDisconnect(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{})
	s := newSystem(t, Config{})
	c, e := s.ConnectEphemeralRelay(context.Bg(), r.URL)
	require.NoError(t, e)
	assert.True(t, c.IsEphemeral())
	require.NoError(t, s.ConnectToRelay(context.Bg(), r.URL, rw))
	assert.False(t, c.IsEphemeral())
	assert.Len(t, s.Snapshot().Connections, 1)
	s.DisconnectRelay(r.URL)
	assert.Empty(t, s.Snapshot().Connections)
}

func TestChangeCarriesSnapshot(t *testing.T) {
	home := relaytest.New(t, relaytest.Behaviour{})
	s := newSystem(t, Config{}, home)
	snaps := make(chan Snapshot, 16)
	s.Change.Subscribe(func(snap Snapshot) {
		select {
		case snaps <- snap:
		default:
		}
	})
	b := request.New("watched")
	b.WithFilter().Kinds(1)
	s.Query(context.Bg(), b)
	select {
	case snap := <-snaps:
		require.Len(t, snap.Queries, 1)
		assert.Equal(t, "watched", snap.Queries[0].ID)
		assert.Len(t, snap.Connections, 1)
	case <-time.After(wait):
		t.Fatal("no change")
	}
}

func TestMetricsFollowTraffic(t *testing.T) {
	home := relaytest.New(t, relaytest.Behaviour{})
	s := newSystem(t, Config{}, home)
	require.NoError(t, s.Init(context.Bg()))
	b := request.New("m")
	b.WithFilter().Kinds(1)
	s.Fetch(context.Bg(), b, nil)
	require.Eventually(t, func() bool {
		r, ok := s.Metrics.Get(normalize.URL(home.URL))
		return ok && r.Connects == 1 && r.Traces == 1
	}, wait, tick)
}
