package signer

import (
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	k := Generate()
	pub, e := k.GetPublicKey(context.Bg())
	require.NoError(t, e)
	ev := &nostr.Event{CreatedAt: nostr.Now(), Kind: 1, Tags: nostr.Tags{},
		Content: "hi"}
	require.NoError(t, k.Sign(context.Bg(), ev))
	assert.Equal(t, pub, ev.PubKey)
	ok, e := ev.CheckSignature()
	require.NoError(t, e)
	assert.True(t, ok)
}

func TestEncryptDecrypt(t *testing.T) {
	alice, bob := Generate(), Generate()
	bobPub, _ := bob.GetPublicKey(context.Bg())
	alicePub, _ := alice.GetPublicKey(context.Bg())
	ct, e := alice.Encrypt(context.Bg(), "secret", bobPub)
	require.NoError(t, e)
	pt, e := bob.Decrypt(context.Bg(), ct, alicePub)
	require.NoError(t, e)
	assert.Equal(t, "secret", pt)
}

func TestInvalidKey(t *testing.T) {
	_, e := New("nothex")
	assert.Error(t, e)
}

func TestAuthHandler(t *testing.T) {
	k := Generate()
	ev, e := AuthHandler(k)(context.Bg(), "chal", "wss://relay.example.com")
	require.NoError(t, e)
	assert.Equal(t, 22242, ev.Kind)
	assert.Equal(t, "chal", ev.Tags.GetFirst([]string{"challenge", ""}).Value())
	assert.Equal(t, "wss://relay.example.com",
		ev.Tags.GetFirst([]string{"relay", ""}).Value())
	ok, _ := ev.CheckSignature()
	assert.True(t, ok)

	_, e = AuthHandler(nil)(context.Bg(), "chal", "wss://relay.example.com")
	assert.ErrorIs(t, e, ErrNoSigner)
}
