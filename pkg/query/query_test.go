package query

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/pool"
	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/Hubmakerlabs/outboxr/pkg/relaytest"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait, tick = 3 * time.Second, 10 * time.Millisecond

func noInfo(context.T, string) (*relayinfo.T, error) {
	return nil, errors.New("none")
}

func note(t *testing.T, sk string, kind int, created nostr.Timestamp,
	content string, tags ...nostr.Tag) *nostr.Event {

	ev := &nostr.Event{CreatedAt: created, Kind: kind, Content: content,
		Tags: tags}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

// setup connects a pool to relays and puts a manager on it.
func setup(t *testing.T, clk clock.Clock, cfg Config,
	relays ...*relaytest.Relay) (m *Manager) {

	p := pool.New(pool.Config{FetchInfo: noInfo, Clock: clk})
	t.Cleanup(p.Close)
	for _, r := range relays {
		_, e := p.Connect(context.Bg(), r.URL,
			connection.Settings{Read: true, Write: true}, false)
		require.NoError(t, e)
	}
	cfg.Pool, cfg.Clock = p, clk
	m = NewManager(cfg)
	t.Cleanup(m.Close)
	return
}

func kinds(id string, k ...int) *request.Builder {
	b := request.New(id)
	b.WithFilter().Kinds(k...)
	return b
}

func reqFilters(t *testing.T, f relaytest.Frame) (out []nostr.Filter) {
	for _, raw := range f.Raw[2:] {
		var filter nostr.Filter
		require.NoError(t, json.Unmarshal(raw, &filter))
		out = append(out, filter)
	}
	return
}

func TestQueryFinishesOnEose(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	ev := note(t, sk, 1, nostr.Now(), "hello")
	r := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{ev}})
	m := setup(t, nil, Config{}, r)
	q := m.Query(context.Bg(), kinds("feed", 1))
	require.Equal(t, 1, q.TraceCount())
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	feed := q.Feed.(*NoteCollection)
	assert.False(t, feed.Loading())
	require.Len(t, feed.Snapshot(), 1)
	assert.Equal(t, ev.ID, feed.Snapshot()[0].ID)
	tr := q.Traces()[0]
	assert.Equal(t, Closed, tr.State())
	assert.False(t, tr.Forced)
	assert.Eventually(t, func() bool { return r.Count("CLOSE") == 1 }, wait, tick)
}

func TestLeaveOpenKeepsSubscription(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{})
	m := setup(t, nil, Config{}, r)
	q := m.Query(context.Bg(), kinds("live", 1).LeaveOpen())
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	assert.Equal(t, Eose, q.Traces()[0].State())
	assert.True(t, q.IsOpen())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.Count("CLOSE"))
}

func TestProgress(t *testing.T) {
	r1 := relaytest.New(t, relaytest.Behaviour{})
	r2 := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, nil, Config{}, r1, r2)
	q := m.Query(context.Bg(), kinds("half", 1))
	require.Equal(t, 2, q.TraceCount())
	require.Eventually(t, func() bool { return q.Progress() == 0.5 }, wait, tick)
	assert.True(t, q.Loading())
	assert.True(t, q.Feed.(*NoteCollection).Loading())
}

func TestWatchdogForcesSilentRelays(t *testing.T) {
	mock := clock.NewMock()
	r1 := relaytest.New(t, relaytest.Behaviour{})
	r2 := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, mock, Config{}, r1, r2)
	start := mock.Now()
	q := m.Query(context.Bg(), kinds("watch", 1))
	require.Eventually(t, func() bool { return q.Progress() == 0.5 }, wait, tick)
	require.Eventually(t, func() bool { return r2.Count("REQ") == 1 }, wait, tick)

	m.checkTraces(start.Add(TraceTimeout - time.Millisecond))
	assert.True(t, q.Loading())

	m.checkTraces(start.Add(TraceTimeout))
	assert.False(t, q.Loading())
	var forced int
	for _, tr := range q.Traces() {
		if tr.Forced {
			forced++
			assert.Equal(t, normalize.URL(r2.URL), tr.Relay)
		}
	}
	assert.Equal(t, 1, forced)
	assert.Eventually(t, func() bool { return r2.Count("CLOSE") == 1 }, wait, tick)
}

func TestTraceReports(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{})
	m := setup(t, nil, Config{}, r)
	got := make(chan Report, 4)
	m.TraceClosed.Subscribe(func(rep Report) { got <- rep })
	m.Query(context.Bg(), kinds("report", 1))
	select {
	case rep := <-got:
		assert.Equal(t, "report", rep.Query)
		assert.Equal(t, "default", rep.Strategy)
		assert.False(t, rep.Forced)
	case <-time.After(wait):
		t.Fatal("no trace report")
	}
}

func TestConnectionLost(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, clock.NewMock(), Config{}, r)
	q := m.Query(context.Bg(), kinds("lost", 1).LeaveOpen())
	require.Eventually(t, func() bool { return r.Count("REQ") == 1 }, wait, tick)
	assert.True(t, q.Loading())
	m.ConnectionLost(q.Traces()[0].ConnID)
	assert.False(t, q.Loading())
	tr := q.Traces()[0]
	assert.True(t, tr.Forced)
	assert.True(t, tr.IsClosed())
}

func TestConnectionRestored(t *testing.T) {
	mock := clock.NewMock()
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, mock, Config{}, r)
	q := m.Query(context.Bg(), kinds("resume", 1).LeaveOpen())
	require.Eventually(t, func() bool { return r.Count("REQ") == 1 }, wait, tick)
	before := q.Traces()[0]

	r.CloseAll(1001, "restart")
	require.Eventually(t, func() bool { return q.Traces()[0].Forced }, wait, tick)
	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return r.Count("REQ") == 2
	}, wait, tick)
	ids := r.SubIDs()
	assert.Equal(t, ids[0], ids[1])
	after := q.Traces()[0]
	assert.Equal(t, before.ID, after.ID)
	assert.NotEqual(t, before.ConnID, after.ConnID)
	assert.False(t, after.IsClosed())
}

func TestClosedQueryIsNotRestored(t *testing.T) {
	mock := clock.NewMock()
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, mock, Config{}, r)
	q := m.Query(context.Bg(), kinds("gone", 1).LeaveOpen())
	require.Eventually(t, func() bool { return r.Count("REQ") == 1 }, wait, tick)
	q.Cancel()
	c := m.Pool.Get(r.URL)
	m.ConnectionRestored(c)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.Count("REQ"))
}

func TestDiffSendsOnlyNewFilters(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, nil, Config{}, r)
	b := request.New("grow").LeaveOpen()
	b.WithFilter().Kinds(1).Authors("aa")
	m.Query(context.Bg(), b)
	require.Eventually(t, func() bool { return r.Count("REQ") == 1 }, wait, tick)

	b = request.New("grow").LeaveOpen()
	b.WithFilter().Kinds(1).Authors("aa", "bb")
	q := m.Query(context.Bg(), b)
	require.Eventually(t, func() bool { return r.Count("REQ") == 2 }, wait, tick)
	fs := reqFilters(t, r.Frames("REQ")[1])
	require.Len(t, fs, 1)
	assert.Equal(t, []string{"bb"}, fs[0].Authors)
	assert.Equal(t, 2, q.TraceCount())

	// nothing new, nothing sent
	m.Query(context.Bg(), b)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, r.Count("REQ"))
}

func TestSkipDiffResends(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, nil, Config{}, r)
	m.Query(context.Bg(), kinds("again", 1))
	m.Query(context.Bg(), kinds("again", 1).SkipDiff())
	assert.Eventually(t, func() bool { return r.Count("REQ") == 2 }, wait, tick)
}

func TestCancelGrace(t *testing.T) {
	mock := clock.NewMock()
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, mock, Config{}, r)
	q := m.Query(context.Bg(), kinds("bye", 1).LeaveOpen())
	require.Eventually(t, func() bool { return r.Count("REQ") == 1 }, wait, tick)
	q.Cancel()
	now := mock.Now()
	m.checkTraces(now.Add(CancelGrace - time.Millisecond))
	assert.Same(t, q, m.GetQuery("bye"))
	m.checkTraces(now.Add(CancelGrace))
	assert.Nil(t, m.GetQuery("bye"))
	assert.Eventually(t, func() bool { return r.Count("CLOSE") == 1 }, wait, tick)
}

func TestRequeryRevivesCancelled(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{})
	m := setup(t, clock.NewMock(), Config{}, r)
	q := m.Query(context.Bg(), kinds("back", 1))
	q.Cancel()
	assert.True(t, q.Cancelled())
	assert.Same(t, q, m.Query(context.Bg(), kinds("back", 1)))
	assert.False(t, q.Cancelled())
}

func TestEventsMustMatchTheirTrace(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	stray := note(t, sk, 7, nostr.Now(), "+")
	r := relaytest.New(t, relaytest.Behaviour{
		OnFrame: func(c *relaytest.Conn, f relaytest.Frame) bool {
			if f.Label != "REQ" {
				return false
			}
			var id string
			_ = json.Unmarshal(f.Raw[1], &id)
			_ = c.Send("EVENT", id, stray)
			_ = c.Send("EVENT", "unknown", stray)
			_ = c.Send("EOSE", id)
			return true
		},
	})
	m := setup(t, nil, Config{}, r)
	q := m.Query(context.Bg(), kinds("strict", 1))
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	assert.Equal(t, 0, q.Feed.(*NoteCollection).Len())
}

func TestCheckSigs(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	good := note(t, sk, 1, nostr.Now(), "good")
	bad := note(t, sk, 1, nostr.Now(), "bad")
	bad.Content = "tampered"
	r := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{good, bad}})
	m := setup(t, nil, Config{CheckSigs: true}, r)
	q := m.Query(context.Bg(), kinds("sigs", 1))
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	evs := q.Feed.(*NoteCollection).Snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, good.ID, evs[0].ID)
}

func TestSearchNeedsSupport(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{})
	m := setup(t, nil, Config{}, r)
	b := request.New("search")
	b.WithFilter().Kinds(1).Search("nostr")
	q := m.Query(context.Bg(), b)
	assert.Equal(t, 0, q.TraceCount())
	assert.False(t, q.Loading())
}

func TestExplicitRelayConnectsEphemeral(t *testing.T) {
	home := relaytest.New(t, relaytest.Behaviour{})
	other := relaytest.New(t, relaytest.Behaviour{})
	m := setup(t, nil, Config{}, home)
	b := request.New("hint")
	b.WithFilter().IDs("abcd").Relay(other.URL)
	q := m.Query(context.Bg(), b)
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	assert.Equal(t, 1, other.Count("REQ"))
	assert.Equal(t, 0, home.Count("REQ"))
	c := m.Pool.Get(other.URL)
	require.NotNil(t, c)
	assert.True(t, c.IsEphemeral())
	assert.Equal(t, "explicit", q.Snapshot().Traces[0].Strategy)
}

func TestExplicitRelayUnreachable(t *testing.T) {
	m := setup(t, nil, Config{})
	b := request.New("nowhere")
	b.WithFilter().Kinds(1).Relay("ws://127.0.0.1:1")
	q := m.Query(context.Bg(), b)
	require.Equal(t, 1, q.TraceCount())
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	assert.True(t, q.Traces()[0].Forced)
	assert.Nil(t, m.Pool.Get("ws://127.0.0.1:1"))
}

type memCache struct {
	mx    sync.Mutex
	evs   []*nostr.Event
	saved []*nostr.Event
}

func (c *memCache) Event(_ context.T, ev *nostr.Event) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.saved = append(c.saved, ev)
	return nil
}

func (c *memCache) Query(_ context.T, fs nostr.Filters) (out []*nostr.Event,
	e error) {

	for _, ev := range c.evs {
		if fs.Match(ev) {
			out = append(out, ev)
		}
	}
	return
}

func (c *memCache) savedCount() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.saved)
}

func TestCacheRelay(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	cached := note(t, sk, 1, nostr.Now()-10, "from disk")
	fresh := note(t, sk, 1, nostr.Now(), "from the wire")
	cache := &memCache{evs: []*nostr.Event{cached}}
	r := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{fresh}})
	m := setup(t, nil, Config{CacheRelay: cache}, r)
	q := m.Query(context.Bg(), kinds("cached", 1))
	traces := q.Traces()
	require.Len(t, traces, 2)
	assert.Equal(t, CacheRelayName, traces[0].Relay)
	assert.Equal(t, Closed, traces[0].State())
	require.Eventually(t, func() bool { return !q.Loading() }, wait, tick)
	evs := q.Feed.(*NoteCollection).Snapshot()
	require.Len(t, evs, 2)
	assert.Equal(t, fresh.ID, evs[0].ID)
	assert.Equal(t, 1, cache.savedCount())
}

func TestFetch(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	a := note(t, sk, 1, nostr.Now()-5, "a")
	b := note(t, sk, 1, nostr.Now(), "b")
	r1 := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{a, b}})
	r2 := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{a}})
	m := setup(t, nil, Config{}, r1, r2)
	var mx sync.Mutex
	var batched int
	evs := m.Fetch(context.Bg(), kinds("once", 1), func(evs []*nostr.Event) {
		mx.Lock()
		batched += len(evs)
		mx.Unlock()
	})
	require.Len(t, evs, 2)
	assert.Equal(t, b.ID, evs[0].ID)
	assert.Equal(t, a.ID, evs[1].ID)
	mx.Lock()
	assert.Equal(t, 2, batched)
	mx.Unlock()
	q := m.GetQuery("once")
	require.NotNil(t, q)
	assert.True(t, q.Cancelled())
}

func TestFetchReusedIDReturnsAccumulated(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	text := note(t, sk, 1, nostr.Now()-5, "text")
	meta := note(t, sk, 0, nostr.Now(), "{}")
	r := relaytest.New(t, relaytest.Behaviour{Store: []*nostr.Event{text, meta}})
	m := setup(t, nil, Config{}, r)

	first := m.Fetch(context.Bg(), kinds("same", 1), nil)
	require.Len(t, first, 1)
	assert.Equal(t, text.ID, first[0].ID)

	again := m.Fetch(context.Bg(), kinds("same", 1), nil)
	require.Len(t, again, 1)
	assert.Equal(t, text.ID, again[0].ID)

	wider := m.Fetch(context.Bg(), kinds("same", 1, 0), nil)
	require.Len(t, wider, 2)
	assert.Equal(t, meta.ID, wider[0].ID)
	assert.Equal(t, text.ID, wider[1].ID)
	// only the new kind went out again
	assert.Equal(t, 2, r.Count("REQ"))
}

func TestFetchWithoutRelaysReturns(t *testing.T) {
	m := setup(t, nil, Config{})
	done := make(chan []*nostr.Event, 1)
	go func() { done <- m.Fetch(context.Bg(), kinds("empty", 1), nil) }()
	select {
	case evs := <-done:
		assert.Empty(t, evs)
	case <-time.After(wait):
		t.Fatal("fetch with no traces blocked")
	}
}

func TestFetchTimeout(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{NoEOSE: true})
	m := setup(t, nil, Config{}, r)
	b := kinds("slow", 1).WithOptions(request.Options{Timeout: 100 * time.Millisecond})
	start := time.Now()
	m.Fetch(context.Bg(), b, nil)
	assert.Less(t, time.Since(start), wait)
}

func TestHandleEventReachesMatchingQueries(t *testing.T) {
	r := relaytest.New(t, relaytest.Behaviour{})
	m := setup(t, nil, Config{}, r)
	notes := m.Query(context.Bg(), kinds("notes", 1).LeaveOpen())
	likes := m.Query(context.Bg(), kinds("likes", 7).LeaveOpen())
	sent := make(chan Trace, 4)
	m.Request.Subscribe(func(tr Trace) { sent <- tr })
	m.Query(context.Bg(), kinds("more", 6))
	select {
	case tr := <-sent:
		assert.False(t, tr.Sent.IsZero())
	case <-time.After(wait):
		t.Fatal("no request signal")
	}
	ev := note(t, nostr.GeneratePrivateKey(), 1, nostr.Now(), "mine")
	m.HandleEvent(ev)
	assert.Equal(t, 1, notes.Feed.(*NoteCollection).Len())
	assert.Equal(t, 0, likes.Feed.(*NoteCollection).Len())
}
