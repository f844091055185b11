package main

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/interrupt"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/outbox"
	"github.com/Hubmakerlabs/outboxr/pkg/query"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/Hubmakerlabs/outboxr/pkg/signer"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/Hubmakerlabs/outboxr/pkg/socialgraph"
	"github.com/Hubmakerlabs/outboxr/pkg/system"
	"github.com/alexflint/go-arg"
	"github.com/fiatjaf/eventstore/badger"
	"github.com/nbd-wtf/go-nostr"
)

var (
	AppName = "outboxrd"
	Version = "v0.0.1"
)

var log, chk = slog.New(os.Stderr)

var args, conf Config

func main() {
	arg.MustParse(&args)
	slog.SetLogLevel(slog.ParseLevel(args.LogLevel))
	log.T.S(args)
	var dataDirBase string
	var err error
	if dataDirBase, err = os.UserHomeDir(); chk.E(err) {
		os.Exit(1)
	}
	dataDir := filepath.Join(dataDirBase, args.Profile)
	if err = os.MkdirAll(dataDir, 0700); chk.E(err) {
		os.Exit(1)
	}
	log.D.F("using profile directory: %s", dataDir)
	configPath := filepath.Join(dataDir, "config.json")
	if args.InitCfgCmd != nil {
		// generate an identity key if one wasn't given
		if args.SecKey == "" {
			args.SecKey = nostr.GeneratePrivateKey()
		}
		if err = args.Save(configPath); chk.E(err) {
			log.E.F("failed to write configuration: '%s'", err)
			os.Exit(1)
		}
		log.I.Ln("wrote", configPath)
		return
	}
	if err = conf.Load(configPath); err != nil {
		log.D.F("no configuration loaded: '%s'", err)
	} else {
		args.Merge(&conf)
	}
	if err = run(dataDir); chk.E(err) {
		os.Exit(1)
	}
}

func run(dataDir string) (err error) {
	var db *cache.DB
	if db, err = cache.Open(filepath.Join(dataDir, "cache")); chk.E(err) {
		return
	}
	events := &badger.BadgerBackend{Path: filepath.Join(dataDir, "events")}
	if err = events.Init(); chk.E(err) {
		db.Close()
		return
	}
	cfg := system.Config{
		RelayCache:       cache.NewBadger[outbox.UsersRelays](db, "relays"),
		ProfileCache:     cache.NewBadger[system.Profile](db, "profiles"),
		FollowsCache:     cache.NewBadger[socialgraph.FollowList](db, "follows"),
		MetricsCache:     cache.NewBadger[metrics.Relay](db, "metrics"),
		CacheRelay:       &cache.EventStore{Store: events},
		BuildFollowGraph: args.FollowGraph,
		CheckSigs:        args.CheckSigs,
		DisableOutbox:    args.DisableOutbox,
	}
	if args.SecKey != "" {
		if cfg.Signer, err = signer.New(args.SecKey); chk.E(err) {
			return
		}
	}
	s := system.New(cfg)
	cx, cancel := context.Cancel(context.Bg())
	it := interrupt.New()
	it.AddHandler(func() {
		events.Close()
		db.Close()
	})
	it.AddHandler(s.Close)
	it.AddHandler(cancel)
	if err = s.Init(cx, args.Follow...); chk.E(err) {
		it.Request()
		<-it.Done()
		return
	}
	connectAll(cx, s)
	if len(args.Follow) > 0 {
		follow(cx, s, args.Follow)
	}
	srv := &http.Server{
		Addr:         args.Listen,
		Handler:      statusHandler(s),
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	it.AddHandler(func() { chk.E(srv.Shutdown(context.Bg())) })
	log.I.Ln("status API listening on", args.Listen)
	if err = srv.ListenAndServe(); errors.Is(err, http.ErrServerClosed) {
		err = nil
	} else if chk.E(err) {
		it.Request()
	}
	<-it.Done()
	return
}

func connectAll(cx context.T, s *system.T) {
	groups := []struct {
		relays   []string
		settings connection.Settings
	}{
		{args.Relays, connection.Settings{Read: true, Write: true}},
		{args.ReadRelays, connection.Settings{Read: true}},
		{args.WriteRelays, connection.Settings{Write: true}},
	}
	for _, g := range groups {
		for _, r := range g.relays {
			if err := s.ConnectToRelay(cx, r, g.settings); chk.E(err) {
				log.W.F("{%s} not connected yet, retrying in the background", r)
			}
		}
	}
}

// follow keeps a live subscription on the notes of pubkeys, routed to their
// own relays.
func follow(cx context.T, s *system.T, pubkeys []string) {
	b := request.New("follow").LeaveOpen()
	b.WithFilter().Kinds(1, 6).Authors(pubkeys...).Limit(50)
	b.WithFilter().Kinds(0, 3, 10002).Authors(pubkeys...)
	s.Event.Subscribe(func(d query.Delivered) {
		if d.Query == "follow" && d.Event.Kind == 1 {
			log.I.F("{%s} %s: %s", d.Relay, d.Event.PubKey[:8], d.Event.Content)
		}
	})
	q := s.Query(cx, b)
	log.I.F("following %d users over %d subscriptions", len(pubkeys),
		q.TraceCount())
}
