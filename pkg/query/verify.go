package query

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
)

// Verify checks that ev's id is the hash of its serialization and that the
// signature is valid for it.
func Verify(ev *nostr.Event) bool {
	h := sha256.Sum256(ev.Serialize())
	if hex.EncodeToString(h[:]) != ev.ID {
		log.D.F("event id mismatch %s", ev.ID)
		return false
	}
	ok, e := ev.CheckSignature()
	if chk.D(e) {
		return false
	}
	return ok
}
