// Package request describes what a caller wants: a stable request id, its
// filters with optional explicit relays, and the options that steer how the
// query manager treats it. Dispatch plans pair a relay with filters.
package request

import (
	"strings"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// DefaultPickN is how many write relays the outbox router picks per author.
const DefaultPickN = 2

// DefaultFetchTimeout bounds a Fetch that sets no timeout of its own.
const DefaultFetchTimeout = 30 * time.Second

type Options struct {
	// LeaveOpen keeps subscriptions open after EOSE for live updates.
	LeaveOpen bool
	// SkipDiff sends every filter again instead of only what changed.
	SkipDiff bool
	// Timeout bounds Fetch.
	Timeout time.Duration
	// PickN overrides DefaultPickN for this request.
	PickN int
}

// Filter is a nostr filter plus the relays it must go to, if any.
type Filter struct {
	nostr.Filter
	Relays []string
}

// RelayKey identifies the relay hint of the filter, empty when it has none.
func (f Filter) RelayKey() string {
	r := normalize.URLs(f.Relays)
	slices.Sort(r)
	return strings.Join(r, ",")
}

// Filters strips the relay hints.
func Filters(fs []Filter) (out []nostr.Filter) {
	out = make([]nostr.Filter, len(fs))
	for i := range fs {
		out[i] = fs[i].Filter
	}
	return
}

// Builder accumulates filters for one logical request.
type Builder struct {
	ID      string
	Options Options
	filters []*FilterBuilder
}

func New(id string) *Builder { return &Builder{ID: id} }

func (b *Builder) WithOptions(o Options) *Builder {
	b.Options = o
	return b
}

func (b *Builder) LeaveOpen() *Builder {
	b.Options.LeaveOpen = true
	return b
}

func (b *Builder) SkipDiff() *Builder {
	b.Options.SkipDiff = true
	return b
}

// WithFilter starts a new filter on the request.
func (b *Builder) WithFilter() (f *FilterBuilder) {
	f = &FilterBuilder{}
	b.filters = append(b.filters, f)
	return
}

// Add appends ready made filters.
func (b *Builder) Add(fs ...Filter) *Builder {
	for _, f := range fs {
		b.filters = append(b.filters, &FilterBuilder{f: f})
	}
	return b
}

func (b *Builder) NumFilters() int { return len(b.filters) }

// Filters returns a copy of the filters built so far.
func (b *Builder) Filters() (out []Filter) {
	for _, f := range b.filters {
		out = append(out, f.Build())
	}
	return
}

type FilterBuilder struct{ f Filter }

func (fb *FilterBuilder) IDs(ids ...string) *FilterBuilder {
	fb.f.IDs = appendNew(fb.f.IDs, ids...)
	return fb
}

func (fb *FilterBuilder) Authors(pks ...string) *FilterBuilder {
	fb.f.Authors = appendNew(fb.f.Authors, pks...)
	return fb
}

func (fb *FilterBuilder) Kinds(kinds ...int) *FilterBuilder {
	for _, k := range kinds {
		if !slices.Contains(fb.f.Kinds, k) {
			fb.f.Kinds = append(fb.f.Kinds, k)
		}
	}
	return fb
}

func (fb *FilterBuilder) Tag(key string, values ...string) *FilterBuilder {
	if fb.f.Tags == nil {
		fb.f.Tags = nostr.TagMap{}
	}
	fb.f.Tags[key] = appendNew(fb.f.Tags[key], values...)
	return fb
}

func (fb *FilterBuilder) Since(ts nostr.Timestamp) *FilterBuilder {
	fb.f.Since = &ts
	return fb
}

func (fb *FilterBuilder) Until(ts nostr.Timestamp) *FilterBuilder {
	fb.f.Until = &ts
	return fb
}

func (fb *FilterBuilder) Limit(n int) *FilterBuilder {
	fb.f.Limit = n
	return fb
}

func (fb *FilterBuilder) Search(q string) *FilterBuilder {
	fb.f.Search = q
	return fb
}

// Relay pins the filter to the given relays, bypassing outbox routing.
func (fb *FilterBuilder) Relay(urls ...string) *FilterBuilder {
	fb.f.Relays = appendNew(fb.f.Relays, normalize.URLs(urls)...)
	return fb
}

func (fb *FilterBuilder) Build() (f Filter) {
	f = fb.f
	f.IDs = slices.Clone(fb.f.IDs)
	f.Authors = slices.Clone(fb.f.Authors)
	f.Kinds = slices.Clone(fb.f.Kinds)
	f.Relays = slices.Clone(fb.f.Relays)
	if fb.f.Tags != nil {
		f.Tags = make(nostr.TagMap, len(fb.f.Tags))
		for k, v := range fb.f.Tags {
			f.Tags[k] = slices.Clone(v)
		}
	}
	return
}

func appendNew(s []string, v ...string) []string {
	for _, x := range v {
		if !slices.Contains(s, x) {
			s = append(s, x)
		}
	}
	return s
}

// Strategy records how a plan's relay was chosen.
type Strategy int

const (
	// DefaultRelays sends to every open read relay.
	DefaultRelays Strategy = iota
	// AuthorsRelays routes by the authors' write relays.
	AuthorsRelays
	// ExplicitRelays honours the filter's relay hint.
	ExplicitRelays
	// FallbackRelays are the caller's own read relays, used for authors
	// whose relay lists are unknown.
	FallbackRelays
)

func (s Strategy) String() string {
	switch s {
	case DefaultRelays:
		return "default"
	case AuthorsRelays:
		return "authors"
	case ExplicitRelays:
		return "explicit"
	case FallbackRelays:
		return "fallback"
	}
	return "unknown"
}

// Plan is one dispatch: filters for one relay. An empty Relay means every
// open read relay.
type Plan struct {
	Relay    string
	Filters  []nostr.Filter
	Strategy Strategy
}
