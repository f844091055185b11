package connection

import (
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/nbd-wtf/go-nostr"
)

// QueueReq sends cmd straight away when the relay has a free subscription
// slot and marks it active; otherwise it waits in the FIFO pending queue
// until CloseReq frees one. onSent, if given, runs once the REQ is handed to
// the socket (or buffered for it).
func (c *T) QueueReq(cmd ReqCommand, onSent func()) {
	c.mx.Lock()
	for _, f := range cmd.Filters {
		if kind.IsAuthGated(f.Kinds) {
			c.setExpectAuthLocked()
			break
		}
	}
	_, already := c.active[cmd.ID]
	if !already && len(c.active) >= c.maxSubscriptionsLocked() {
		c.pending = append(c.pending, pendingReq{cmd, onSent})
		log.D.F("{%s} queued REQ %s, %d waiting", c.Address, cmd.ID,
			len(c.pending))
		c.mx.Unlock()
		return
	}
	c.active[cmd.ID] = struct{}{}
	c.sendReqLocked(cmd)
	c.mx.Unlock()
	if onSent != nil {
		onSent()
	}
}

// CloseReq closes subscription id: it leaves the active set, a CLOSE goes to
// the relay, an Eose is emitted for it and waiting REQs take the freed
// slots. A REQ with that id still waiting in the queue is dropped instead.
func (c *T) CloseReq(id string) {
	c.mx.Lock()
	_, was := c.active[id]
	if !was {
		c.dropPendingLocked(id)
		c.mx.Unlock()
		return
	}
	delete(c.active, id)
	if b, e := nostr.CloseEnvelope(id).MarshalJSON(); !chk.E(e) {
		c.sendLocked(b)
	}
	sent := c.drainPendingLocked()
	c.mx.Unlock()
	c.Eose.Emit(Eose{Conn: c, Sub: id})
	runSent(sent)
}

func (c *T) dropPendingLocked(id string) {
	for i := range c.pending {
		if c.pending[i].cmd.ID == id {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			return
		}
	}
}

// drainPendingLocked activates waiting REQs, oldest first, while there is
// room, returning their onSent callbacks.
func (c *T) drainPendingLocked() (sent []func()) {
	max := c.maxSubscriptionsLocked()
	for len(c.pending) > 0 && len(c.active) < max {
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.active[p.cmd.ID] = struct{}{}
		c.sendReqLocked(p.cmd)
		if p.onSent != nil {
			sent = append(sent, p.onSent)
		}
	}
	return
}

func runSent(sent []func()) {
	for _, fn := range sent {
		fn()
	}
}

func (c *T) sendReqLocked(cmd ReqCommand) {
	b, e := cmd.MarshalJSON()
	if chk.E(e) {
		return
	}
	c.sendLocked(b)
}

// send writes b to the relay, or buffers it while the socket is not open or
// an authentication is pending.
func (c *T) send(b []byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.sendLocked(b)
}

func (c *T) sendLocked(b []byte) {
	if c.state != Open || c.authPendingLocked() {
		c.buffered = append(c.buffered, b)
		if c.state == Closed && c.ephemeral && c.isClosed {
			now := c.clock.Now()
			if c.lastOnDemandDial.IsZero() ||
				now.Sub(c.lastOnDemandDial) >= EphemeralReconnectCooldown {
				c.lastOnDemandDial = now
				c.onDemand = true
				go func() { chk.D(c.Connect(context.Bg())) }()
			}
		}
		return
	}
	c.lastActivity = c.clock.Now()
	c.sock.push(b)
}

// SendRaw writes b straight to the socket, bypassing the offline and auth
// buffers. It returns ErrNotOpen when there is no open socket.
func (c *T) SendRaw(b []byte) (e error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Open || c.sock == nil {
		return ErrNotOpen
	}
	c.lastActivity = c.clock.Now()
	c.sock.push(b)
	return
}

// flushLocked sends every buffered frame, if the socket can take them.
func (c *T) flushLocked() {
	if c.state != Open || c.authPendingLocked() || len(c.buffered) == 0 {
		return
	}
	frames := c.buffered
	c.buffered = nil
	c.lastActivity = c.clock.Now()
	for _, b := range frames {
		c.sock.push(b)
	}
}

// SendEvent sends an EVENT without waiting for the relay's OK. Relays not
// marked for writing are skipped.
func (c *T) SendEvent(ev *nostr.Event) {
	if !c.Settings().Write {
		return
	}
	b, e := nostr.EventEnvelope{Event: *ev}.MarshalJSON()
	if chk.E(e) {
		return
	}
	c.mx.Lock()
	c.stats.EventsSent++
	c.sendLocked(b)
	c.mx.Unlock()
}

// Publish sends ev and waits for the relay's OK. The result is always a value:
// a relay not marked for writing, a second publish of an event still awaiting
// its OK, and a relay that does not answer within PublishTimeout all produce a
// failed OkResponse.
func (c *T) Publish(cx context.T, ev *nostr.Event) (res OkResponse) {
	if !c.Settings().Write {
		return OkResponse{Relay: c.Address, ID: ev.ID, Message: MsgNotWriteable}
	}
	b, e := nostr.EventEnvelope{Event: *ev}.MarshalJSON()
	if e != nil {
		return OkResponse{Relay: c.Address, ID: ev.ID, Message: e.Error()}
	}
	res = c.roundTrip(cx, ev.ID, b, false, PublishTimeout)
	if res.Message != MsgDuplicate {
		c.mx.Lock()
		c.stats.EventsSent++
		c.mx.Unlock()
	}
	return
}

// roundTrip sends frame and waits for the OK about id.
func (c *T) roundTrip(cx context.T, id string, frame []byte, direct bool,
	timeout time.Duration) (res OkResponse) {

	res = OkResponse{Relay: c.Address, ID: id}
	answer := make(chan OkResponse, 1)
	c.mx.Lock()
	if _, dup := c.okCallbacks[id]; dup {
		c.mx.Unlock()
		res.Message = MsgDuplicate
		return
	}
	c.okCallbacks[id] = func(r OkResponse) {
		select {
		case answer <- r:
		default:
		}
	}
	c.mx.Unlock()
	defer func() {
		c.mx.Lock()
		delete(c.okCallbacks, id)
		c.mx.Unlock()
	}()
	start := c.clock.Now()
	if direct {
		if e := c.SendRaw(frame); e != nil {
			res.Message = e.Error()
			return
		}
	} else {
		c.send(frame)
	}
	timer := c.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case res = <-answer:
		c.recordLatency(c.clock.Since(start))
	case <-timer.C:
		res.Message = MsgTimeout
	case <-cx.Done():
		res.Message = cx.Err().Error()
	}
	return
}

func (c *T) recordLatency(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.stats.Latency = append(c.stats.Latency, d)
	if len(c.stats.Latency) > maxLatencySamples {
		c.stats.Latency = c.stats.Latency[len(c.stats.Latency)-maxLatencySamples:]
	}
}

// PendingOKs is the number of publishes still waiting for an OK.
func (c *T) PendingOKs() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.okCallbacks)
}
