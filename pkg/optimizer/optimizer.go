// Package optimizer is the filter set algebra used to keep repeated requests
// cheap: filters expand into flat single-valued filters, successive filter
// generations are diffed on those, and flat sets merge back into as few
// filters as possible.
package optimizer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// I is the contract the query manager diffs and merges filters through.
type I interface {
	// ExpandFilter splits f into filters that carry at most one value in each
	// of ids, authors, kinds and every tag.
	ExpandFilter(f nostr.Filter) []Flat
	// Diff returns the flat filters of next that prev did not already ask for.
	Diff(prev, next []nostr.Filter) []Flat
	// Merge folds flat filters back into full ones.
	Merge(flat []Flat) []nostr.Filter
	// Compress merges filters that differ in a single dimension.
	Compress(fs []nostr.Filter) []nostr.Filter
}

// Flat is a filter with at most one value per dimension.
type Flat struct {
	ID     string
	Author string
	Kind   int
	// HasKind distinguishes kind 0 from no kind.
	HasKind bool
	TagKey  string
	TagVal  string
	Since   *nostr.Timestamp
	Until   *nostr.Timestamp
	Limit   int
	Search  string
	// extra tags when the filter had more than one tag key
	Extra [][2]string
}

// Key identifies a flat filter for set operations.
func (f Flat) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|", f.ID, f.Author)
	if f.HasKind {
		b.WriteString(strconv.Itoa(f.Kind))
	}
	fmt.Fprintf(&b, "|%s=%s", f.TagKey, f.TagVal)
	for _, t := range f.Extra {
		fmt.Fprintf(&b, ",%s=%s", t[0], t[1])
	}
	b.WriteByte('|')
	if f.Since != nil {
		b.WriteString(strconv.FormatInt(int64(*f.Since), 10))
	}
	b.WriteByte('|')
	if f.Until != nil {
		b.WriteString(strconv.FormatInt(int64(*f.Until), 10))
	}
	fmt.Fprintf(&b, "|%d|%s", f.Limit, f.Search)
	return b.String()
}

// Filter turns the flat filter back into a regular one.
func (f Flat) Filter() (o nostr.Filter) {
	if f.ID != "" {
		o.IDs = []string{f.ID}
	}
	if f.Author != "" {
		o.Authors = []string{f.Author}
	}
	if f.HasKind {
		o.Kinds = []int{f.Kind}
	}
	if f.TagKey != "" {
		o.Tags = nostr.TagMap{f.TagKey: {f.TagVal}}
		for _, t := range f.Extra {
			o.Tags[t[0]] = []string{t[1]}
		}
	}
	o.Since, o.Until, o.Limit, o.Search = f.Since, f.Until, f.Limit, f.Search
	return
}

// Default is the exact implementation of I.
type Default struct{}

var _ I = Default{}

func (Default) ExpandFilter(f nostr.Filter) (out []Flat) {
	ids := orEmpty(f.IDs)
	authors := orEmpty(f.Authors)
	var kinds []int
	hasKind := len(f.Kinds) > 0
	if hasKind {
		kinds = f.Kinds
	} else {
		kinds = []int{0}
	}
	tagCombos := [][][2]string{nil}
	keys := maps.Keys(f.Tags)
	sort.Strings(keys)
	for _, k := range keys {
		var next [][][2]string
		for _, combo := range tagCombos {
			for _, v := range f.Tags[k] {
				c := append(append([][2]string(nil), combo...), [2]string{k, v})
				next = append(next, c)
			}
		}
		if len(next) > 0 {
			tagCombos = next
		}
	}
	for _, id := range ids {
		for _, a := range authors {
			for _, k := range kinds {
				for _, tc := range tagCombos {
					fl := Flat{ID: id, Author: a, Kind: k, HasKind: hasKind,
						Since: f.Since, Until: f.Until, Limit: f.Limit,
						Search: f.Search}
					if len(tc) > 0 {
						fl.TagKey, fl.TagVal = tc[0][0], tc[0][1]
						fl.Extra = tc[1:]
					}
					out = append(out, fl)
				}
			}
		}
	}
	return
}

func orEmpty(s []string) []string {
	if len(s) == 0 {
		return []string{""}
	}
	return s
}

func (d Default) expandAll(fs []nostr.Filter) (out []Flat) {
	for _, f := range fs {
		out = append(out, d.ExpandFilter(f)...)
	}
	return
}

func (d Default) Diff(prev, next []nostr.Filter) (out []Flat) {
	seen := make(map[string]struct{})
	for _, f := range d.expandAll(prev) {
		seen[f.Key()] = struct{}{}
	}
	for _, f := range d.expandAll(next) {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return
}

func (d Default) Merge(flat []Flat) []nostr.Filter {
	fs := make([]nostr.Filter, 0, len(flat))
	for _, f := range flat {
		fs = append(fs, f.Filter())
	}
	return d.Compress(fs)
}

// Compress repeatedly merges pairs of filters that agree on every scalar
// field and on all set dimensions but one, until no pair can merge.
func (Default) Compress(fs []nostr.Filter) []nostr.Filter {
	out := make([]nostr.Filter, len(fs))
	for i := range fs {
		out[i] = Clone(fs[i])
	}
	for merged := true; merged; {
		merged = false
	outer:
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				if m, ok := mergePair(out[i], out[j]); ok {
					out[i] = m
					out = slices.Delete(out, j, j+1)
					merged = true
					break outer
				}
			}
		}
	}
	return out
}

// dims renders the set dimensions of f as string sets keyed by name.
func dims(f nostr.Filter) map[string][]string {
	d := make(map[string][]string)
	if len(f.IDs) > 0 {
		d["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		d["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		ks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ks[i] = strconv.Itoa(k)
		}
		d["kinds"] = ks
	}
	for k, v := range f.Tags {
		if len(v) > 0 {
			d["#"+k] = v
		}
	}
	return d
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func sameTime(a, b *nostr.Timestamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func mergePair(a, b nostr.Filter) (m nostr.Filter, ok bool) {
	if a.Limit != b.Limit || a.Search != b.Search ||
		!sameTime(a.Since, b.Since) || !sameTime(a.Until, b.Until) {
		return
	}
	da, db := dims(a), dims(b)
	ka, kb := maps.Keys(da), maps.Keys(db)
	if !sameSet(ka, kb) {
		return
	}
	var differ string
	for _, k := range ka {
		if sameSet(da[k], db[k]) {
			continue
		}
		if differ != "" {
			return
		}
		differ = k
	}
	m = Clone(a)
	switch {
	case differ == "":
	case differ == "ids":
		m.IDs = union(a.IDs, b.IDs)
	case differ == "authors":
		m.Authors = union(a.Authors, b.Authors)
	case differ == "kinds":
		m.Kinds = unionInts(a.Kinds, b.Kinds)
	default:
		tag := strings.TrimPrefix(differ, "#")
		m.Tags[tag] = union(a.Tags[tag], b.Tags[tag])
	}
	return m, true
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func unionInts(a, b []int) []int {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Clone deep copies f so merges never alias the caller's slices.
func Clone(f nostr.Filter) nostr.Filter {
	c := f
	c.IDs = slices.Clone(f.IDs)
	c.Authors = slices.Clone(f.Authors)
	c.Kinds = slices.Clone(f.Kinds)
	if f.Tags != nil {
		c.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			c.Tags[k] = slices.Clone(v)
		}
	}
	if f.Since != nil {
		s := *f.Since
		c.Since = &s
	}
	if f.Until != nil {
		u := *f.Until
		c.Until = &u
	}
	return c
}
