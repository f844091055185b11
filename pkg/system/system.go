// Package system is the engine: it owns the connection pool, the query
// manager and the outbox router, keeps relay lists, profiles and the follow
// graph up to date from the events that flow through it, and exposes one
// object to subscribe, fetch and publish through.
package system

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/emitter"
	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/Hubmakerlabs/outboxr/pkg/loader"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/optimizer"
	"github.com/Hubmakerlabs/outboxr/pkg/outbox"
	"github.com/Hubmakerlabs/outboxr/pkg/pool"
	"github.com/Hubmakerlabs/outboxr/pkg/query"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/Hubmakerlabs/outboxr/pkg/signer"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/Hubmakerlabs/outboxr/pkg/socialgraph"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

var log, chk = slog.New(os.Stderr)

const (
	// RelayListPickN is how many relays per author relay lists are fetched
	// from.
	RelayListPickN = 4
	// RelayListTimeout bounds one relay list fetch.
	RelayListTimeout = 10 * time.Second
	// InboxPickN is how many inbox relays per tagged user a broadcast also
	// goes to.
	InboxPickN = 2
	// MetricsFlushInterval is how often event counts are persisted.
	MetricsFlushInterval = 30 * time.Second
)

// Config holds the collaborators of the engine. Every table defaults to an
// in-memory one.
type Config struct {
	// Signer answers auth challenges; without one, relays asking for auth
	// are left unanswered.
	Signer       signer.I
	RelayCache   cache.Table[outbox.UsersRelays]
	ProfileCache cache.Table[Profile]
	FollowsCache cache.Table[socialgraph.FollowList]
	MetricsCache cache.Table[metrics.Relay]
	// CacheRelay is asked before relays and keeps every event received.
	CacheRelay query.CacheRelay
	// BuildFollowGraph feeds follow lists into SocialGraph.
	BuildFollowGraph bool
	// SocialGraph defaults to a socialgraph.Follows over FollowsCache.
	SocialGraph socialgraph.I
	// DisableOutbox sends author queries to every read relay instead of
	// the authors' own relays.
	DisableOutbox bool
	CheckSigs     bool
	Optimizer     optimizer.I
	FetchInfo     connection.InfoFetcher
	Clock         clock.Clock
}

// Snapshot is the observable state of the engine.
type Snapshot struct {
	Queries     []query.Snapshot      `json:"queries"`
	Connections []connection.Snapshot `json:"connections"`
}

type T struct {
	Config
	Pool        *pool.T
	Queries     *query.Manager
	Outbox      *outbox.Model
	RelayLoader *loader.T[outbox.UsersRelays]
	Metrics     *metrics.T
	Graph       socialgraph.I
	batcher     *socialgraph.Batcher
	// Change gets a snapshot whenever a query changes.
	Change *emitter.T[Snapshot]
	// Event gets every event accepted into a query or handed to
	// HandleEvent, the latter with Query "*".
	Event *emitter.T[query.Delivered]
	// Request gets every REQ as it goes out.
	Request *emitter.T[query.Trace]
	cx      context.T
	cancel  context.F
	wg      sync.WaitGroup
	unsub   []func()
	once    sync.Once
}

func New(cfg Config) (s *T) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RelayCache == nil {
		cfg.RelayCache = cache.NewMemory[outbox.UsersRelays]()
	}
	if cfg.ProfileCache == nil {
		cfg.ProfileCache = cache.NewMemory[Profile]()
	}
	if cfg.FollowsCache == nil {
		cfg.FollowsCache = cache.NewMemory[socialgraph.FollowList]()
	}
	if cfg.SocialGraph == nil {
		cfg.SocialGraph = socialgraph.New("", cfg.FollowsCache)
	}
	s = &T{
		Config:  cfg,
		Graph:   cfg.SocialGraph,
		Change:  emitter.New[Snapshot](),
		Event:   emitter.New[query.Delivered](),
		Request: emitter.New[query.Trace](),
	}
	s.cx, s.cancel = context.Cancel(context.Bg())
	pc := pool.Config{FetchInfo: cfg.FetchInfo, Clock: cfg.Clock}
	if cfg.Signer != nil {
		pc.AuthHandler = signer.AuthHandler(cfg.Signer)
	}
	s.Pool = pool.New(pc)
	s.Outbox = outbox.New(outbox.Config{Relays: cfg.RelayCache,
		Own: s.ownReadRelays, Clock: cfg.Clock})
	s.RelayLoader = loader.New(loader.Config[outbox.UsersRelays]{
		Table: cfg.RelayCache,
		Fetch: s.fetchRelayLists,
		Stale: s.Outbox.IsStale,
		Merge: mergeRelayLists,
		Clock: cfg.Clock,
	})
	s.Outbox.Loader = s.RelayLoader
	qc := query.Config{Pool: s.Pool, Optimizer: cfg.Optimizer,
		CacheRelay: cfg.CacheRelay, CheckSigs: cfg.CheckSigs, Clock: cfg.Clock}
	if !cfg.DisableOutbox {
		qc.Router = s.Outbox
	}
	s.Queries = query.NewManager(qc)
	s.Metrics = metrics.New(cfg.MetricsCache, cfg.Clock)
	if cfg.BuildFollowGraph {
		s.batcher = socialgraph.NewBatcher(s.Graph, cfg.Clock, 0)
	}
	s.unsub = append(s.unsub,
		s.Metrics.Attach(s.Pool, s.Queries),
		s.Queries.Event.Subscribe(func(d query.Delivered) {
			if d.Relay == "" {
				// local events went through HandleEvent already
				return
			}
			s.ingest(d.Event)
			s.Event.Emit(d)
		}),
		s.Queries.Change.Subscribe(func(string) {
			s.Change.Emit(s.Snapshot())
		}),
		s.Queries.Request.Subscribe(s.Request.Emit),
		s.Pool.Notice.Subscribe(func(n connection.Notice) {
			log.I.F("{%s} NOTICE: %s", n.Conn.Address, n.Message)
		}),
		s.Pool.Auth.Subscribe(func(a connection.AuthResult) {
			if !a.OK {
				log.W.F("{%s} auth rejected: %s", a.Conn.Address, a.Message)
			}
		}),
	)
	return
}

// Init preloads the tables in parallel, fills the follow graph from the
// cached follow lists of follows (all of them if none are given) and starts
// the background loops.
func (s *T) Init(c context.T, follows ...string) (e error) {
	g, gc := errgroup.WithContext(c)
	g.Go(func() error { return s.RelayCache.Preload(gc) })
	g.Go(func() error { return s.ProfileCache.Preload(gc) })
	g.Go(func() error { return s.Metrics.Table.Preload(gc) })
	if f, ok := s.Graph.(*socialgraph.Follows); ok && s.BuildFollowGraph {
		g.Go(func() error { return f.Preload(gc, follows...) })
	} else {
		g.Go(func() error { return s.FollowsCache.Preload(gc) })
	}
	if e = g.Wait(); chk.E(e) {
		return fmt.Errorf("preloading caches: %w", e)
	}
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.Queries.Run(s.cx)
	}()
	go func() {
		defer s.wg.Done()
		s.RelayLoader.Run(s.cx)
	}()
	go func() {
		defer s.wg.Done()
		s.flushMetrics()
	}()
	log.I.F("engine started, %d relay lists, %d profiles cached",
		len(s.RelayCache.Snapshot()), len(s.ProfileCache.Snapshot()))
	return
}

func (s *T) flushMetrics() {
	t := s.Clock.Ticker(MetricsFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-s.cx.Done():
			return
		case <-t.C:
			s.Metrics.Flush()
		}
	}
}

// Close stops the background loops, closes every query and connection and
// persists metrics.
func (s *T) Close() {
	s.once.Do(func() {
		s.cancel()
		s.Queries.Close()
		for _, fn := range s.unsub {
			fn()
		}
		s.Pool.Close()
		s.wg.Wait()
		if s.batcher != nil {
			s.batcher.Flush()
		}
		s.Metrics.Flush()
	})
}

// ownReadRelays are the persistent relays the user reads from.
func (s *T) ownReadRelays() (out []string) {
	for _, c := range s.Pool.Connections() {
		if !c.IsEphemeral() && c.Settings().Read {
			out = append(out, c.Address)
		}
	}
	return
}

func (s *T) Query(cx context.T, b *request.Builder) *query.T {
	return s.Queries.Query(cx, b)
}

func (s *T) Fetch(cx context.T, b *request.Builder,
	onBatch func([]*nostr.Event)) []*nostr.Event {

	return s.Queries.Fetch(cx, b, onBatch)
}

func (s *T) GetQuery(id string) *query.T { return s.Queries.GetQuery(id) }

// ConnectToRelay adds a persistent relay, or changes the settings of one
// already connected.
func (s *T) ConnectToRelay(cx context.T, address string,
	settings connection.Settings) (e error) {

	_, e = s.Pool.Connect(cx, address, settings, false)
	return
}

// ConnectEphemeralRelay connects to a relay that is closed again once idle.
func (s *T) ConnectEphemeralRelay(cx context.T,
	address string) (*connection.T, error) {

	return s.Pool.Connect(cx, address,
		connection.Settings{Read: true, Write: true}, true)
}

func (s *T) DisconnectRelay(address string) { s.Pool.Disconnect(address) }

// HandleEvent takes in an event produced locally: the caches learn from it
// and open queries it matches receive it.
func (s *T) HandleEvent(ev *nostr.Event) {
	s.ingest(ev)
	s.Event.Emit(query.Delivered{Query: "*", Event: ev})
	s.Queries.HandleEvent(ev)
}

// ingest updates relay lists, profiles and the follow graph from ev.
func (s *T) ingest(ev *nostr.Event) {
	switch kind.T(ev.Kind) {
	case kind.ProfileMetadata:
		s.updateProfile(ev)
	case kind.FollowList:
		s.Outbox.Update(ev)
		if s.batcher != nil {
			s.batcher.Add(ev)
		}
	case kind.RelayListMetadata:
		s.Outbox.Update(ev)
	}
}

func (s *T) updateProfile(ev *nostr.Event) {
	p, ok := ProfileFromEvent(ev)
	if !ok {
		return
	}
	if old, ok := s.ProfileCache.Get(p.PubKey); ok && old.Created >= p.Created {
		return
	}
	p.Loaded = s.Clock.Now().Unix()
	chk.E(s.ProfileCache.Set(p.PubKey, p))
}

func (s *T) Profile(pubkey string) (Profile, bool) {
	return s.ProfileCache.Get(pubkey)
}

func (s *T) RelaysOf(pubkey string) (outbox.UsersRelays, bool) {
	return s.RelayCache.Get(pubkey)
}

// BroadcastEvent publishes ev to every writable relay, and to the inbox
// relays of the users it tags unless outbox routing is off. It returns one
// result per relay.
func (s *T) BroadcastEvent(cx context.T, ev *nostr.Event,
	cb func(connection.OkResponse)) (res []connection.OkResponse) {

	s.HandleEvent(ev)
	res = s.Pool.Broadcast(cx, ev, cb)
	if s.DisableOutbox {
		return
	}
	done := make(map[string]struct{})
	for _, r := range res {
		done[r.Relay] = struct{}{}
	}
	var inboxes []string
	for _, r := range s.Outbox.ForReply(taggedPubkeys(ev), InboxPickN) {
		if _, ok := done[r]; !ok {
			inboxes = append(inboxes, r)
		}
	}
	var mx sync.Mutex
	var g errgroup.Group
	for _, r := range inboxes {
		r := r
		g.Go(func() error {
			rsp := s.WriteOnceToRelay(cx, r, ev)
			mx.Lock()
			defer mx.Unlock()
			res = append(res, rsp)
			if cb != nil {
				cb(rsp)
			}
			return nil
		})
	}
	chk.E(g.Wait())
	return
}

func taggedPubkeys(ev *nostr.Event) (out []string) {
	seen := make(map[string]struct{})
	for _, t := range ev.Tags {
		if len(t) < 2 || t[0] != "p" {
			continue
		}
		if _, ok := seen[t[1]]; !ok && t[1] != ev.PubKey {
			seen[t[1]] = struct{}{}
			out = append(out, t[1])
		}
	}
	return
}

// WriteOnceToRelay publishes ev to one relay, connecting ephemerally if
// needed.
func (s *T) WriteOnceToRelay(cx context.T, address string,
	ev *nostr.Event) connection.OkResponse {

	return s.Pool.BroadcastTo(cx, address, ev)
}

func (s *T) Snapshot() (snap Snapshot) {
	snap.Queries = s.Queries.Queries()
	for _, c := range s.Pool.Connections() {
		snap.Connections = append(snap.Connections, c.Snapshot())
	}
	return
}

// fetchRelayLists loads the relay lists of pubkeys from the network, keeping
// the best one found per user.
func (s *T) fetchRelayLists(c context.T,
	pubkeys []string) (found map[string]outbox.UsersRelays, e error) {

	b := request.New("relay-lists:" + pubkeys[0]).WithOptions(request.Options{
		SkipDiff: true, Timeout: RelayListTimeout, PickN: RelayListPickN})
	b.WithFilter().Kinds(int(kind.RelayListMetadata), int(kind.FollowList)).
		Authors(pubkeys...)
	found = make(map[string]outbox.UsersRelays)
	now := s.Clock.Now().Unix()
	for _, ev := range s.Queries.Fetch(c, b, nil) {
		u, ok := outbox.FromEvent(ev)
		if !ok {
			continue
		}
		u.Loaded = now
		if old, ok := found[u.PubKey]; ok && !u.Newer(old) {
			continue
		}
		found[u.PubKey] = u
	}
	log.D.F("found relay lists for %d of %d users", len(found), len(pubkeys))
	return
}

// mergeRelayLists keeps the better list and marks it freshly loaded.
func mergeRelayLists(old, fetched outbox.UsersRelays) outbox.UsersRelays {
	if fetched.Newer(old) ||
		(fetched.Kind == old.Kind && fetched.Created == old.Created) {
		return fetched
	}
	old.Loaded = fetched.Loaded
	return old
}
