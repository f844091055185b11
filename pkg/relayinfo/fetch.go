// Package relayinfo fetches and decodes the NIP-11 relay information
// document, the capability document a connection sizes itself by.
package relayinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// ContentType is the Accept header value that selects the document.
const ContentType = "application/nostr+json"

// maxDocumentSize bounds how much of a response body is read.
const maxDocumentSize = 1 << 20

// Fetch fetches the NIP-11 document of the relay at u, which may be given
// with a ws, wss, http or https scheme.
func Fetch(c context.T, u string) (info *T, e error) {
	return FetchWith(c, http.DefaultClient, u)
}

// FetchWith is Fetch using the given http client.
func FetchWith(c context.T, client *http.Client, u string) (info *T, e error) {
	// if no timeout is set, force it to 7 seconds
	c, cancel := context.WithDefaultTimeout(c, 7*time.Second)
	defer cancel()
	addr := normalize.HTTP(u)
	if addr == "" {
		return nil, fmt.Errorf("cannot parse url: %s", u)
	}
	var req *http.Request
	if req, e = http.NewRequestWithContext(c, http.MethodGet, addr, nil); e != nil {
		return nil, fmt.Errorf("bad request for %s: %w", addr, e)
	}
	req.Header.Add("Accept", ContentType)
	var resp *http.Response
	if resp, e = client.Do(req); e != nil {
		return nil, fmt.Errorf("request failed: %w", e)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay information request to %s returned %s",
			addr, resp.Status)
	}
	var b []byte
	if b, e = io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize)); e != nil {
		return nil, fmt.Errorf("failed reading relay information: %w", e)
	}
	return Decode(b)
}

// Decode parses a document, dropping the placeholder values ("unset", "" and
// "~") some relay software publishes for fields it does not set.
func Decode(b []byte) (info *T, e error) {
	var raw map[string]json.RawMessage
	if e = json.Unmarshal(b, &raw); e != nil {
		return nil, fmt.Errorf("invalid json: %w", e)
	}
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil && (s == "unset" || s == "" || s == "~") {
			delete(raw, k)
		}
	}
	if b, e = json.Marshal(raw); chk.E(e) {
		return
	}
	info = &T{}
	if e = json.Unmarshal(b, info); e != nil {
		log.D.F("relay information document did not decode: %v", e)
		return nil, fmt.Errorf("invalid relay information document: %w", e)
	}
	return
}
