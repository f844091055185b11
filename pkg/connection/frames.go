package connection

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// handleFrame dispatches one relay message. Malformed and unknown frames are
// logged and dropped.
func (c *T) handleFrame(b []byte) {
	envelope := nostr.ParseMessage(b)
	if envelope == nil {
		log.D.F("{%s} dropping unparseable frame: %s", c.Address, b)
		return
	}
	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil || *env.SubscriptionID == "" {
			log.D.F("{%s} EVENT without subscription id", c.Address)
			return
		}
		c.mx.Lock()
		c.stats.EventsReceived++
		c.lastActivity = c.clock.Now()
		c.mx.Unlock()
		ev := env.Event
		c.Event.Emit(Event{Conn: c, Sub: *env.SubscriptionID, Event: &ev})
	case *nostr.EOSEEnvelope:
		c.Eose.Emit(Eose{Conn: c, Sub: string(*env)})
	case *nostr.OKEnvelope:
		c.mx.Lock()
		cb := c.okCallbacks[env.EventID]
		c.mx.Unlock()
		if cb == nil {
			log.T.F("{%s} OK for unknown event %s", c.Address, env.EventID)
			return
		}
		cb(OkResponse{Relay: c.Address, ID: env.EventID, OK: env.OK,
			Message: env.Reason})
	case *nostr.NoticeEnvelope:
		log.D.F("{%s} NOTICE: %s", c.Address, string(*env))
		c.Notice.Emit(Notice{Conn: c, Message: string(*env)})
	case *nostr.AuthEnvelope:
		if env.Challenge == nil || *env.Challenge == "" {
			return
		}
		c.handleChallenge(*env.Challenge)
	case *nostr.ClosedEnvelope:
		c.handleClosed(env.SubscriptionID, env.Reason)
	default:
		log.D.F("{%s} dropping unexpected %s frame", c.Address, envelope.Label())
	}
}

// handleClosed is a relay refusing or ending a subscription: it frees the
// slot like CloseReq does, without sending a CLOSE back.
func (c *T) handleClosed(id, reason string) {
	log.D.F("{%s} CLOSED %s: %s", c.Address, id, reason)
	c.mx.Lock()
	delete(c.active, id)
	c.dropPendingLocked(id)
	if strings.HasPrefix(reason, "auth-required:") {
		c.setExpectAuthLocked()
	}
	sent := c.drainPendingLocked()
	c.mx.Unlock()
	c.Eose.Emit(Eose{Conn: c, Sub: id, Closed: true, Reason: reason})
	runSent(sent)
}
