// Package normalize canonicalises relay addresses so that the same relay is
// always keyed by the same string.
package normalize

import (
	"net/url"
	"strings"
)

// URL normalizes the url and replaces http://, https:// schemes by
// ws://, wss://.
func URL(u string) string {
	if u == "" {
		return ""
	}
	u = strings.TrimSpace(u)
	u = strings.ToLower(u)
	// if prefix isn't specified as http/s or websocket, assume secure
	// websocket and add wss prefix (this is the most common).
	if !(strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "ws://") ||
		strings.HasPrefix(u, "wss://")) {
		u = "wss://" + u
	}
	var e error
	var p *url.URL
	if p, e = url.Parse(u); e != nil {
		return ""
	}
	// convert http/s to ws/s
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	// remove trailing path slash
	p.Path = strings.TrimRight(p.Path, "/")
	return p.String()
}

// HTTP converts a relay address into the plain http/s address its relay
// information document is served from.
func HTTP(u string) string {
	n := URL(u)
	if n == "" {
		return ""
	}
	p, e := url.Parse(n)
	if e != nil {
		return ""
	}
	switch p.Scheme {
	case "wss":
		p.Scheme = "https"
	case "ws":
		p.Scheme = "http"
	}
	return p.String()
}

// URLs normalizes every address, dropping empty results and duplicates while
// keeping the first-seen order.
func URLs(in []string) (out []string) {
	seen := make(map[string]struct{}, len(in))
	for _, u := range in {
		n := URL(u)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return
}
