package main

import (
	"encoding/json"
	"fmt"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/urfave/cli/v2"
)

var relays = &cli.Command{
	Name:  "relays",
	Usage: "looks up the relay list of a user on the given relays",
	Description: `example:
		nakr relays -p npub1... wss://purplepag.es`,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "pubkey",
			Aliases:  []string{"p"},
			Usage:    "the user, as hex or npub",
			Required: true,
		},
	},
	ArgsUsage: "<relay...>",
	Action: func(c *cli.Context) (err error) {
		var relayUrls []string
		if relayUrls, err = validateRelayURLs(c.Args().Slice()); err != nil {
			return
		}
		if len(relayUrls) == 0 {
			return fmt.Errorf("specify at least one <relay>")
		}
		var pubkeys []string
		for _, p := range c.StringSlice("pubkey") {
			var pk string
			if pk, err = decodePubkey(p); err != nil {
				return
			}
			pubkeys = append(pubkeys, pk)
		}
		s, err := newSystem(c, "", relayUrls, connection.Settings{Read: true},
			true)
		if err != nil {
			return
		}
		defer s.Close()
		found := s.RelayLoader.Load(c.Context, pubkeys...)
		for _, pk := range pubkeys {
			u, ok := found[pk]
			if !ok {
				lineProcessingError(c, "no relay list found for %s", pk)
				continue
			}
			pretty, _ := json.MarshalIndent(u, "", "  ")
			fmt.Println(string(pretty))
		}
		exitIfLineProcessingError(c)
		return
	},
}

var getRelayInfo = &cli.Command{
	Name:  "relay",
	Usage: "gets the relay information document for the given relay, as JSON",
	Description: `example:
		nakr relay nostr.wine`,
	ArgsUsage: "<relay-url>",
	Action: func(c *cli.Context) error {
		url := c.Args().First()
		if url == "" {
			return fmt.Errorf("specify the <relay-url>")
		}
		addr := normalize.URL(url)
		if addr == "" {
			return fmt.Errorf("invalid relay url '%s'", url)
		}
		info, err := relayinfo.Fetch(c.Context, addr)
		if err != nil {
			return fmt.Errorf("failed to fetch '%s' information document: %w",
				addr, err)
		}
		pretty, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(pretty))
		return nil
	},
}
