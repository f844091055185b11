package optimizer

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestExpandFilter(t *testing.T) {
	f := nostr.Filter{
		Authors: []string{"a", "b"},
		Kinds:   []int{0, 1},
		Tags:    nostr.TagMap{"t": {"x"}},
		Limit:   10,
	}
	flat := Default{}.ExpandFilter(f)
	assert.Len(t, flat, 4)
	for _, fl := range flat {
		assert.True(t, fl.HasKind)
		assert.Equal(t, "t", fl.TagKey)
		assert.Equal(t, "x", fl.TagVal)
		assert.Equal(t, 10, fl.Limit)
	}
	assert.Len(t, Default{}.ExpandFilter(nostr.Filter{}), 1)
}

func TestKindZeroIsNotNoKind(t *testing.T) {
	withKind := Default{}.ExpandFilter(nostr.Filter{Kinds: []int{0}})
	without := Default{}.ExpandFilter(nostr.Filter{})
	assert.NotEqual(t, withKind[0].Key(), without[0].Key())
}

func TestDiff(t *testing.T) {
	prev := []nostr.Filter{{Authors: []string{"a", "b"}, Kinds: []int{1}}}
	next := []nostr.Filter{{Authors: []string{"a", "b", "c"}, Kinds: []int{1}}}
	d := Default{}.Diff(prev, next)
	if assert.Len(t, d, 1) {
		assert.Equal(t, "c", d[0].Author)
	}
	assert.Empty(t, Default{}.Diff(next, prev))
	assert.Empty(t, Default{}.Diff(next, next))
	assert.Len(t, Default{}.Diff(nil, next), 3)
}

func TestMergeRoundTrip(t *testing.T) {
	f := nostr.Filter{Authors: []string{"a", "b", "c"}, Kinds: []int{1}}
	merged := Default{}.Merge(Default{}.ExpandFilter(f))
	if assert.Len(t, merged, 1) {
		assert.ElementsMatch(t, f.Authors, merged[0].Authors)
		assert.Equal(t, []int{1}, merged[0].Kinds)
	}
}

func TestMergeTwoDimensions(t *testing.T) {
	f := nostr.Filter{Authors: []string{"a", "b"}, Kinds: []int{1, 6}}
	merged := Default{}.Merge(Default{}.ExpandFilter(f))
	// every flat filter is covered exactly once by the result
	var back []string
	for _, m := range merged {
		for _, fl := range (Default{}).ExpandFilter(m) {
			back = append(back, fl.Key())
		}
	}
	var want []string
	for _, fl := range (Default{}).ExpandFilter(f) {
		want = append(want, fl.Key())
	}
	assert.ElementsMatch(t, want, back)
	assert.Less(t, len(merged), 4)
}

func TestCompressKeepsDifferentLimits(t *testing.T) {
	a := nostr.Filter{Authors: []string{"a"}, Limit: 1}
	b := nostr.Filter{Authors: []string{"b"}, Limit: 2}
	c := nostr.Filter{Authors: []string{"c"}, Limit: 2}
	out := Default{}.Compress([]nostr.Filter{a, b, c})
	assert.Len(t, out, 2)
	assert.Equal(t, []string{"a"}, a.Authors)
}

func TestCompressTags(t *testing.T) {
	a := nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"e": {"x"}}}
	b := nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"e": {"y"}}}
	out := Default{}.Compress([]nostr.Filter{a, b})
	if assert.Len(t, out, 1) {
		assert.Equal(t, []string{"x", "y"}, out[0].Tags["e"])
	}
	assert.Equal(t, []string{"x"}, a.Tags["e"])
}
