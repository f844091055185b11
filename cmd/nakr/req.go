package main

import (
	"encoding/json"
	"fmt"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/interrupt"
	"github.com/Hubmakerlabs/outboxr/pkg/query"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/Hubmakerlabs/outboxr/pkg/system"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

const CategoryFilterAttributes = "FILTER ATTRIBUTES"

// flagSource is the part of *cli.Context the filter and event builders read.
type flagSource interface {
	String(name string) string
	StringSlice(name string) []string
	Int(name string) int
	IntSlice(name string) []int
}

var req = &cli.Command{
	Name:  "req",
	Usage: "builds a filter and optionally runs it through the engine",
	Description: `outputs a NIP-01 Nostr filter. when relays are given, connects to them and
prints the events matching the filter. with --outbox the authors in the filter
are looked up on their own write relays, the given relays serving as the
fallback for authors without a relay list.

example:
		nakr req -k 1 -l 15 wss://nostr.wine wss://nos.lol
		nakr req --outbox -k 1 -a 3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d wss://purplepag.es

it can also take a filter from stdin, optionally modify it with flags and send
it (or just print it).

example:
		echo '{"kinds": [1], "#t": ["test"]}' | nakr req -l 5 -k 4549 --tag t=spam wss://nostr-pub.wellorder.net`,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "author",
			Aliases:  []string{"a"},
			Usage:    "only accept events from these authors (pubkey as hex)",
			Category: CategoryFilterAttributes,
		},
		&cli.StringSliceFlag{
			Name:     "id",
			Aliases:  []string{"i"},
			Usage:    "only accept events with these ids (hex)",
			Category: CategoryFilterAttributes,
		},
		&cli.IntSliceFlag{
			Name:     "kind",
			Aliases:  []string{"k"},
			Usage:    "only accept events with these kind numbers",
			Category: CategoryFilterAttributes,
		},
		&cli.StringSliceFlag{
			Name:     "tag",
			Aliases:  []string{"t"},
			Usage:    "takes a tag like -t e=<id>, only accept events with these tags",
			Category: CategoryFilterAttributes,
		},
		&cli.StringSliceFlag{
			Name:     "e",
			Usage:    "shortcut for --tag e=<value>",
			Category: CategoryFilterAttributes,
		},
		&cli.StringSliceFlag{
			Name:     "p",
			Usage:    "shortcut for --tag p=<value>",
			Category: CategoryFilterAttributes,
		},
		&cli.StringSliceFlag{
			Name:     "d",
			Usage:    "shortcut for --tag d=<value>",
			Category: CategoryFilterAttributes,
		},
		&cli.StringFlag{
			Name:     "since",
			Aliases:  []string{"s"},
			Usage:    "only accept events newer than this (unix timestamp)",
			Category: CategoryFilterAttributes,
		},
		&cli.StringFlag{
			Name:     "until",
			Aliases:  []string{"u"},
			Usage:    "only accept events older than this (unix timestamp)",
			Category: CategoryFilterAttributes,
		},
		&cli.IntFlag{
			Name:     "limit",
			Aliases:  []string{"l"},
			Usage:    "only accept up to this number of events",
			Category: CategoryFilterAttributes,
		},
		&cli.StringFlag{
			Name:     "search",
			Usage:    "a NIP-50 search query, sent only to relays that support it",
			Category: CategoryFilterAttributes,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "keep the subscription open, printing all events as they are returned",
			DefaultText: "false, will close on EOSE",
		},
		&cli.BoolFlag{
			Name:  "outbox",
			Usage: "route the filter to the authors' own relays",
		},
		&cli.BoolFlag{
			Name:  "bare",
			Usage: "when printing the filter, print just the filter, not enveloped in a [\"REQ\", ...] array",
		},
		&cli.StringFlag{
			Name:  "sec",
			Usage: "secret key to answer AUTH challenges with, as hex or nsec",
		},
	},
	ArgsUsage: "[relay...]",
	Action: func(c *cli.Context) (err error) {
		var relayUrls []string
		if relayUrls, err = validateRelayURLs(c.Args().Slice()); err != nil {
			return
		}
		var sec string
		if c.String("sec") != "" {
			if sec, err = gatherSecretKey(c.String("sec")); err != nil {
				return
			}
		}
		outbox := c.Bool("outbox")
		var run *runner
		if len(relayUrls) > 0 || outbox {
			if run, err = newRunner(c, sec, relayUrls, outbox); err != nil {
				return
			}
			defer run.s.Close()
		}
		n := 0
		for stdinFilter := range getStdinLinesOrBlank() {
			var f nostr.Filter
			if f, err = buildFilter(c, stdinFilter); err != nil {
				lineProcessingError(c, "%s", err)
				continue
			}
			n++
			if run == nil {
				fmt.Println(formatFilter(f, c.Bool("bare")))
				continue
			}
			run.do(c, fmt.Sprintf("nakr-%d", n), f, c.Bool("stream"))
		}
		exitIfLineProcessingError(c)
		return nil
	},
}

// buildFilter starts from the JSON filter in base, if any, and adds what
// the flags ask for.
func buildFilter(fl flagSource, base string) (f nostr.Filter, err error) {
	if base != "" {
		if err = json.Unmarshal([]byte(base), &f); err != nil {
			return f, fmt.Errorf("invalid filter '%s' received from stdin: %s",
				base, err)
		}
	}
	f.Authors = append(f.Authors, fl.StringSlice("author")...)
	f.IDs = append(f.IDs, fl.StringSlice("id")...)
	f.Kinds = append(f.Kinds, fl.IntSlice("kind")...)
	if search := fl.String("search"); search != "" {
		f.Search = search
	}
	var tags nostr.Tags
	if tags, err = parseTags(fl); err != nil {
		return
	}
	for _, tag := range tags {
		if len(tag[0]) != 1 {
			return f, fmt.Errorf("invalid --tag '%s=%s'", tag[0], tag[1])
		}
		if f.Tags == nil {
			f.Tags = make(nostr.TagMap)
		}
		f.Tags[tag[0]] = append(f.Tags[tag[0]], tag[1])
	}
	if since := fl.String("since"); since != "" {
		var ts nostr.Timestamp
		if ts, err = parseTimestamp(since); err != nil {
			return
		}
		f.Since = &ts
	}
	if until := fl.String("until"); until != "" {
		var ts nostr.Timestamp
		if ts, err = parseTimestamp(until); err != nil {
			return
		}
		f.Until = &ts
	}
	if limit := fl.Int("limit"); limit != 0 {
		f.Limit = limit
	}
	return
}

func formatFilter(f nostr.Filter, bare bool) string {
	if bare {
		return f.String()
	}
	b, _ := json.Marshal([]any{"REQ", "nakr", f})
	return string(b)
}

type runner struct {
	s      *system.T
	relays []string
	outbox bool
}

func newRunner(c *cli.Context, sec string, relays []string,
	outbox bool) (r *runner, err error) {

	r = &runner{relays: relays, outbox: outbox}
	r.s, err = newSystem(c, sec, relays, connection.Settings{Read: true}, outbox)
	return
}

// build pins f to the given relays unless it is routed by its authors.
func (r *runner) build(id string, f nostr.Filter, stream bool) *request.Builder {
	b := request.New(id)
	if stream {
		b.LeaveOpen()
	}
	rf := request.Filter{Filter: f}
	if !r.outbox || len(f.Authors) == 0 {
		rf.Relays = r.relays
	}
	return b.Add(rf)
}

func (r *runner) do(c *cli.Context, id string, f nostr.Filter, stream bool) {
	if r.outbox && len(f.Authors) > 0 {
		found := r.s.RelayLoader.Load(c.Context, f.Authors...)
		log.I.F("found relay lists for %d of %d authors", len(found),
			len(f.Authors))
	}
	b := r.build(id, f, stream)
	if !stream {
		for _, ev := range r.s.Fetch(c.Context, b, nil) {
			fmt.Println(ev)
		}
		return
	}
	it := interrupt.New()
	unsub := r.s.Event.Subscribe(func(d query.Delivered) {
		if d.Query == id {
			fmt.Println(d.Event)
		}
	})
	defer unsub()
	q := r.s.Query(c.Context, b)
	defer q.Cancel()
	select {
	case <-it.Done():
	case <-c.Context.Done():
	}
}
