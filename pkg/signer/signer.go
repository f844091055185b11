// Package signer is the boundary to whatever holds the user's key. The engine
// only uses it to answer auth challenges and to sign what it publishes.
package signer

import (
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// ErrNoSigner is returned when an operation needs a signer and none is set.
var ErrNoSigner = errors.New("no signer configured")

type I interface {
	GetPublicKey(c context.T) (string, error)
	// Sign sets the pubkey, id and signature of ev.
	Sign(c context.T, ev *nostr.Event) error
	Encrypt(c context.T, plaintext, recipient string) (string, error)
	Decrypt(c context.T, ciphertext, sender string) (string, error)
}

// Keys signs with a secret key held in memory.
type Keys struct {
	sec, pub string
}

var _ I = (*Keys)(nil)

// New makes a signer from a hex secret key.
func New(sec string) (k *Keys, e error) {
	var pub string
	if pub, e = nostr.GetPublicKey(sec); e != nil {
		return nil, fmt.Errorf("invalid secret key: %w", e)
	}
	return &Keys{sec: sec, pub: pub}, nil
}

// Generate makes a signer with a fresh random key.
func Generate() *Keys {
	k, e := New(nostr.GeneratePrivateKey())
	if e != nil {
		panic(e)
	}
	return k
}

func (k *Keys) GetPublicKey(context.T) (string, error) { return k.pub, nil }

func (k *Keys) Sign(_ context.T, ev *nostr.Event) error { return ev.Sign(k.sec) }

func (k *Keys) Encrypt(_ context.T, plaintext, recipient string) (string, error) {
	shared, e := nip04.ComputeSharedSecret(recipient, k.sec)
	if e != nil {
		return "", e
	}
	return nip04.Encrypt(plaintext, shared)
}

func (k *Keys) Decrypt(_ context.T, ciphertext, sender string) (string, error) {
	shared, e := nip04.ComputeSharedSecret(sender, k.sec)
	if e != nil {
		return "", e
	}
	return nip04.Decrypt(ciphertext, shared)
}

// AuthHandler answers NIP-42 challenges by signing with s.
func AuthHandler(s I) connection.AuthHandler {
	return func(c context.T, challenge, relay string) (ev *nostr.Event, e error) {
		if s == nil {
			return nil, ErrNoSigner
		}
		ev = connection.AuthEvent(challenge, relay)
		if e = s.Sign(c, ev); e != nil {
			return nil, fmt.Errorf("signing auth event: %w", e)
		}
		return
	}
}
