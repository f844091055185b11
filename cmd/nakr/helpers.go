package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/signer"
	"github.com/Hubmakerlabs/outboxr/pkg/system"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

const LINE_PROCESSING_ERROR = iota

func isPiped() bool {
	stat, _ := os.Stdin.Stat()
	return stat.Mode()&os.ModeCharDevice == 0
}

func getStdinLinesOrBlank() chan string {
	multi := make(chan string)
	if hasStdinLines := writeStdinLinesOrNothing(multi); !hasStdinLines {
		single := make(chan string, 1)
		single <- ""
		close(single)
		return single
	}
	return multi
}

func getStdinLinesOrFirstArgument(c *cli.Context) chan string {
	if target := c.Args().First(); target != "" {
		single := make(chan string, 1)
		single <- target
		close(single)
		return single
	}
	multi := make(chan string)
	if !writeStdinLinesOrNothing(multi) {
		close(multi)
	}
	return multi
}

func writeStdinLinesOrNothing(ch chan string) (hasStdinLines bool) {
	if !isPiped() {
		return false
	}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 16*1024), 256*1024)
		for scanner.Scan() {
			ch <- strings.TrimSpace(scanner.Text())
		}
		close(ch)
	}()
	return true
}

func lineProcessingError(c *cli.Context, msg string, args ...any) {
	c.Context = context.WithValue(c.Context, LINE_PROCESSING_ERROR, true)
	log.E.F(msg, args...)
}

func exitIfLineProcessingError(c *cli.Context) {
	if val := c.Context.Value(LINE_PROCESSING_ERROR); val != nil && val.(bool) {
		os.Exit(123)
	}
}

// validateRelayURLs normalizes urls, failing on the first that is not a
// websocket address.
func validateRelayURLs(urls []string) (out []string, e error) {
	for _, u := range urls {
		n := normalize.URL(u)
		p, err := url.Parse(n)
		if n == "" || err != nil {
			return nil, fmt.Errorf("invalid relay url '%s'", u)
		}
		if p.Host == "" {
			return nil, fmt.Errorf("relay url '%s' is missing the hostname", u)
		}
		out = append(out, n)
	}
	return
}

// gatherSecretKey accepts a hex or nsec secret key, left padding short hex.
func gatherSecretKey(sec string) (string, error) {
	if strings.HasPrefix(sec, "nsec1") {
		_, v, err := nip19.Decode(sec)
		if err != nil {
			return "", fmt.Errorf("invalid nsec: %w", err)
		}
		sec = v.(string)
	}
	if len(sec) > 64 {
		return "", fmt.Errorf("invalid secret key: too large")
	}
	sec = strings.Repeat("0", 64-len(sec)) + sec
	if !nostr.IsValid32ByteHex(sec) {
		return "", fmt.Errorf("invalid secret key")
	}
	return sec, nil
}

// parseTimestamp reads a unix timestamp or "now".
func parseTimestamp(s string) (nostr.Timestamp, error) {
	if s == "now" {
		return nostr.Now(), nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse error: Invalid numeric literal %q", s)
	}
	return nostr.Timestamp(i), nil
}

// parseTags turns --tag k=v flags and the e, p and d shortcuts into tags.
func parseTags(f flagSource) (tags nostr.Tags, err error) {
	for _, tagFlag := range f.StringSlice("tag") {
		spl := strings.SplitN(tagFlag, "=", 2)
		if len(spl) != 2 || len(spl[0]) == 0 {
			return nil, fmt.Errorf("invalid --tag '%s'", tagFlag)
		}
		tags = append(tags, nostr.Tag{spl[0], spl[1]})
	}
	for _, k := range []string{"e", "p", "d"} {
		for _, v := range f.StringSlice(k) {
			tags = append(tags, nostr.Tag{k, v})
		}
	}
	return
}

// newSystem starts an engine connected to relays with settings, signing
// with sec when it is given.
func newSystem(c *cli.Context, sec string, relays []string,
	settings connection.Settings, outbox bool) (s *system.T, err error) {

	cfg := system.Config{DisableOutbox: !outbox}
	if sec != "" {
		var k *signer.Keys
		if k, err = signer.New(sec); err != nil {
			return
		}
		cfg.Signer = k
	}
	s = system.New(cfg)
	if err = s.Init(c.Context); err != nil {
		s.Close()
		return nil, err
	}
	connected := 0
	for _, addr := range relays {
		log.I.F("connecting to %s... ", addr)
		if e := s.ConnectToRelay(c.Context, addr, settings); chk.E(e) {
			continue
		}
		connected++
	}
	if len(relays) > 0 && connected == 0 {
		s.Close()
		return nil, fmt.Errorf("failed to connect to any of the given relays")
	}
	return
}
