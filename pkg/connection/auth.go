package connection

import (
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/nbd-wtf/go-nostr"
)

// AuthEvent is the unsigned NIP-42 event answering challenge on relay.
func AuthEvent(challenge, relay string) *nostr.Event {
	return &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      int(kind.ClientAuthentication),
		Tags: nostr.Tags{
			{"relay", relay},
			{"challenge", challenge},
		},
	}
}

// authPendingLocked is true while outgoing frames should wait for an
// authentication: a challenge is being answered, or the relay is expected to
// send one and the auth window has not run out.
func (c *T) authPendingLocked() bool {
	if c.authed {
		return false
	}
	if len(c.awaitingAuth) > 0 {
		return true
	}
	return c.expectAuth && !c.authWaitUntil.IsZero() &&
		c.clock.Now().Before(c.authWaitUntil)
}

func (c *T) setExpectAuthLocked() {
	if c.expectAuth {
		return
	}
	c.expectAuth = true
	if c.state == Open && !c.authed {
		c.startAuthWindowLocked()
	}
}

// startAuthWindowLocked holds outgoing frames for at most AuthTimeout while
// waiting for a challenge, then flushes them regardless.
func (c *T) startAuthWindowLocked() {
	c.authWaitUntil = c.clock.Now().Add(AuthTimeout)
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	id := c.id
	c.authTimer = c.clock.AfterFunc(AuthTimeout, func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		if c.id != id {
			return
		}
		if !c.authed {
			log.D.F("{%s} no authentication after %v, sending anyway",
				c.Address, AuthTimeout)
		}
		c.authWaitUntil = time.Time{}
		c.flushLocked()
	})
}

func (c *T) handleChallenge(challenge string) {
	c.mx.Lock()
	if c.cfg.AuthHandler == nil {
		c.mx.Unlock()
		log.D.F("{%s} auth challenge ignored, no auth handler", c.Address)
		return
	}
	if _, ok := c.awaitingAuth[challenge]; ok {
		c.mx.Unlock()
		return
	}
	c.awaitingAuth[challenge] = struct{}{}
	c.expectAuth = true
	id := c.id
	c.mx.Unlock()
	go c.authenticate(id, challenge)
}

// authenticate answers challenge and waits for the relay's verdict. Whatever
// the outcome, buffered traffic is released afterwards.
func (c *T) authenticate(id, challenge string) {
	cx, cancel := context.Timeout(context.Bg(), AuthTimeout)
	defer cancel()
	res := AuthResult{Conn: c, Challenge: challenge}
	ev, e := c.cfg.AuthHandler(cx, challenge, c.Address)
	switch {
	case e != nil:
		res.Message = e.Error()
	case ev == nil:
		res.Message = "no auth event"
	default:
		var b []byte
		if b, e = (nostr.AuthEnvelope{Event: *ev}).MarshalJSON(); chk.E(e) {
			res.Message = e.Error()
			break
		}
		ok := c.roundTrip(cx, ev.ID, b, true, AuthTimeout)
		res.OK, res.Message = ok.OK, ok.Message
	}
	c.mx.Lock()
	if c.id != id {
		// the socket this challenge came from is gone
		c.mx.Unlock()
		return
	}
	delete(c.awaitingAuth, challenge)
	if res.OK {
		c.authed = true
	}
	c.flushLocked()
	c.mx.Unlock()
	if res.OK {
		log.D.F("{%s} authenticated", c.Address)
	} else {
		log.D.F("{%s} authentication failed: %s", c.Address, res.Message)
	}
	c.Auth.Emit(res)
	c.Change.Emit(c)
}

// IsAuthed reports whether the current socket completed NIP-42.
func (c *T) IsAuthed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.authed
}
