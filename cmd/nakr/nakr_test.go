package main

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlags struct {
	strings map[string]string
	slices  map[string][]string
	ints    map[string]int
	kinds   []int
}

func (f fakeFlags) String(n string) string        { return f.strings[n] }
func (f fakeFlags) StringSlice(n string) []string { return f.slices[n] }
func (f fakeFlags) Int(n string) int              { return f.ints[n] }
func (f fakeFlags) IntSlice(string) []int         { return f.kinds }

func TestBuildFilterFromFlags(t *testing.T) {
	fl := fakeFlags{
		strings: map[string]string{"since": "100", "search": "nostr"},
		slices: map[string][]string{
			"author": {"aa"},
			"tag":    {"t=go"},
			"e":      {"ee"},
		},
		ints:  map[string]int{"limit": 5},
		kinds: []int{1, 7},
	}
	f, err := buildFilter(fl, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"aa"}, f.Authors)
	assert.Equal(t, []int{1, 7}, f.Kinds)
	assert.Equal(t, []string{"go"}, f.Tags["t"])
	assert.Equal(t, []string{"ee"}, f.Tags["e"])
	require.NotNil(t, f.Since)
	assert.Equal(t, nostr.Timestamp(100), *f.Since)
	assert.Nil(t, f.Until)
	assert.Equal(t, 5, f.Limit)
	assert.Equal(t, "nostr", f.Search)
}

func TestBuildFilterExtendsStdin(t *testing.T) {
	fl := fakeFlags{kinds: []int{4549}, ints: map[string]int{"limit": 5},
		slices: map[string][]string{"tag": {"t=spam"}}}
	f, err := buildFilter(fl, `{"kinds": [1], "#t": ["test"]}`)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4549}, f.Kinds)
	assert.Equal(t, []string{"test", "spam"}, f.Tags["t"])

	_, err = buildFilter(fl, `{"kinds": `)
	assert.Error(t, err)
}

func TestBuildFilterRejectsBadFlags(t *testing.T) {
	_, err := buildFilter(fakeFlags{
		slices: map[string][]string{"tag": {"novalue"}}}, "")
	assert.Error(t, err)
	_, err = buildFilter(fakeFlags{
		slices: map[string][]string{"tag": {"long=x"}}}, "")
	assert.Error(t, err)
	_, err = buildFilter(fakeFlags{
		strings: map[string]string{"until": "yesterday"}}, "")
	assert.Error(t, err)
}

func TestFormatFilter(t *testing.T) {
	f := nostr.Filter{Kinds: []int{1}, Limit: 2}
	assert.JSONEq(t, `{"kinds":[1],"limit":2}`, formatFilter(f, true))
	assert.JSONEq(t, `["REQ","nakr",{"kinds":[1],"limit":2}]`,
		formatFilter(f, false))
}

func TestGatherSecretKey(t *testing.T) {
	sec, err := gatherSecretKey("1")
	require.NoError(t, err)
	assert.Equal(t,
		"0000000000000000000000000000000000000000000000000000000000000001", sec)

	k := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(k)
	require.NoError(t, err)
	sec, err = gatherSecretKey(nsec)
	require.NoError(t, err)
	assert.Equal(t, k, sec)

	_, err = gatherSecretKey("zz")
	assert.Error(t, err)
	_, err = gatherSecretKey(k + "00")
	assert.Error(t, err)
}

func TestBuildEvent(t *testing.T) {
	fl := fakeFlags{
		strings: map[string]string{"created-at": "1700000000"},
		slices:  map[string][]string{"p": {"pp"}, "tag": {"subject=hi"}},
	}
	ev, err := buildEvent(fl, 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, nostr.Timestamp(1700000000), ev.CreatedAt)
	assert.Equal(t, nostr.Tags{{"subject", "hi"}, {"p", "pp"}}, ev.Tags)
	assert.Empty(t, taggedPubkeys(ev))
}

func TestDecode(t *testing.T) {
	k := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(k)
	require.NoError(t, err)
	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)

	got, err := decodePubkey("nostr:" + npub)
	require.NoError(t, err)
	assert.Equal(t, pk, got)
	got, err = decodePubkey(pk)
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	nsec, err := nip19.EncodePrivateKey(k)
	require.NoError(t, err)
	d, err := decodeEntity(nsec)
	require.NoError(t, err)
	assert.Equal(t, "nsec", d.Type)
	assert.Equal(t, pk, d.PublicKey)
	_, err = decodePubkey(nsec)
	assert.Error(t, err)

	d, err = decodeEntity(pk)
	require.NoError(t, err)
	assert.Len(t, d.PossibleTypes, 3)
	_, err = decodeEntity("abcd")
	assert.Error(t, err)
}

func TestValidateRelayURLs(t *testing.T) {
	out, err := validateRelayURLs([]string{"nos.lol", "wss://relay.damus.io/"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	_, err = validateRelayURLs([]string{"http://"})
	assert.Error(t, err)
}
