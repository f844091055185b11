package main

import (
	"fmt"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

var publish = &cli.Command{
	Name:  "publish",
	Usage: "signs an event and publishes it to the given relays and the inboxes of tagged users",
	Description: `builds an event from the flags (or takes it from stdin), signs it and sends
it to every given relay. with --outbox it also goes to the read relays of every
user tagged with "p".

example:
		nakr publish -c hello --sec 01 wss://nos.lol
		nakr publish --outbox -k 1 -c 'hi' -p 3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d wss://nos.lol`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "sec",
			Usage:       "secret key to sign the event with, as hex or nsec",
			DefaultText: "the key '1'",
			Value:       "0000000000000000000000000000000000000000000000000000000000000001",
		},
		&cli.IntFlag{
			Name:    "kind",
			Aliases: []string{"k"},
			Usage:   "event kind",
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "content",
			Aliases: []string{"c"},
			Usage:   "event content",
		},
		&cli.StringSliceFlag{
			Name:    "tag",
			Aliases: []string{"t"},
			Usage:   "sets a tag field on the event, takes a value like -t e=<id>",
		},
		&cli.StringSliceFlag{
			Name:  "e",
			Usage: "shortcut for --tag e=<value>",
		},
		&cli.StringSliceFlag{
			Name:  "p",
			Usage: "shortcut for --tag p=<value>",
		},
		&cli.StringSliceFlag{
			Name:  "d",
			Usage: "shortcut for --tag d=<value>",
		},
		&cli.StringFlag{
			Name:        "created-at",
			Aliases:     []string{"time", "ts"},
			Usage:       "unix timestamp value for the created_at field",
			DefaultText: "now",
			Value:       "now",
		},
		&cli.BoolFlag{
			Name:  "outbox",
			Usage: "also send the event to the inboxes of the tagged users",
		},
	},
	ArgsUsage: "[relay...]",
	Action: func(c *cli.Context) (err error) {
		var sec string
		if sec, err = gatherSecretKey(c.String("sec")); err != nil {
			return
		}
		var relayUrls []string
		if relayUrls, err = validateRelayURLs(c.Args().Slice()); err != nil {
			return
		}
		var k *signer.Keys
		if k, err = signer.New(sec); err != nil {
			return
		}
		var ev *nostr.Event
		if ev, err = buildEvent(c, c.Int("kind"), c.String("content")); err != nil {
			return
		}
		if err = k.Sign(c.Context, ev); err != nil {
			return
		}
		if len(relayUrls) == 0 && !c.Bool("outbox") {
			fmt.Println(ev)
			return
		}
		s, err := newSystem(c, sec, relayUrls, connection.Settings{Write: true},
			c.Bool("outbox"))
		if err != nil {
			return
		}
		defer s.Close()
		if c.Bool("outbox") {
			if p := taggedPubkeys(ev); len(p) > 0 {
				s.RelayLoader.Load(c.Context, p...)
			}
		}
		ok := 0
		for _, r := range s.BroadcastEvent(c.Context, ev, nil) {
			if r.OK {
				ok++
				log.I.F("{%s} ok", r.Relay)
			} else {
				log.W.F("{%s} failed: %s", r.Relay, r.Message)
			}
		}
		fmt.Println(ev)
		if ok == 0 {
			return fmt.Errorf("no relay accepted the event")
		}
		return
	},
}

// buildEvent makes an unsigned event from the flags.
func buildEvent(fl flagSource, kind int, content string) (ev *nostr.Event,
	err error) {

	ev = &nostr.Event{Kind: kind, Content: content, Tags: nostr.Tags{}}
	var tags nostr.Tags
	if tags, err = parseTags(fl); err != nil {
		return
	}
	ev.Tags = append(ev.Tags, tags...)
	ev.CreatedAt = nostr.Now()
	if ts := fl.String("created-at"); ts != "" {
		if ev.CreatedAt, err = parseTimestamp(ts); err != nil {
			return
		}
	}
	return
}

func taggedPubkeys(ev *nostr.Event) (out []string) {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == "p" && nostr.IsValid32ByteHex(t[1]) {
			out = append(out, t[1])
		}
	}
	return
}
