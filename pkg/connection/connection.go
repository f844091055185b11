// Package connection manages the socket to one relay: framing, the per-relay
// subscription limit, NIP-42 authentication, publish acknowledgements,
// reconnect with backoff and the idle teardown of ephemeral connections.
package connection

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/emitter"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/Hubmakerlabs/outboxr/pkg/wsconn"
	"github.com/benbjohnson/clock"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

// Signals are the typed emitters a connection reports through. Handlers are
// never called with the connection mutex held; frame handlers run on the
// reader goroutine in arrival order.
type Signals struct {
	Connected     *emitter.T[Connected]
	ConnectFailed *emitter.T[ConnectFailed]
	Disconnect    *emitter.T[Disconnect]
	Event         *emitter.T[Event]
	Eose          *emitter.T[Eose]
	Notice        *emitter.T[Notice]
	Auth          *emitter.T[AuthResult]
	Change        *emitter.T[*T]
}

func NewSignals() Signals {
	return Signals{
		Connected:     emitter.New[Connected](),
		ConnectFailed: emitter.New[ConnectFailed](),
		Disconnect:    emitter.New[Disconnect](),
		Event:         emitter.New[Event](),
		Eose:          emitter.New[Eose](),
		Notice:        emitter.New[Notice](),
		Auth:          emitter.New[AuthResult](),
		Change:        emitter.New[*T](),
	}
}

type pendingReq struct {
	cmd    ReqCommand
	onSent func()
}

// T is a connection to one relay. It survives reconnects; every socket
// attempt gets a fresh ID.
type T struct {
	Address string
	Signals
	cfg   Config
	clock clock.Clock

	mx               sync.Mutex
	id               string
	ephemeral        bool
	state            State
	settings         Settings
	info             *relayinfo.T
	infoFetched      bool
	sock             *socket
	opened           bool
	isClosed         bool
	active           map[string]struct{}
	pending          []pendingReq
	buffered         [][]byte
	okCallbacks      map[string]func(OkResponse)
	expectAuth       bool
	awaitingAuth     map[string]struct{}
	authed           bool
	authWaitUntil    time.Time
	authTimer        *clock.Timer
	reconnectDelay   time.Duration
	reconnectTimer   *clock.Timer
	lastActivity     time.Time
	lastOnDemandDial time.Time
	// onDemand marks a dial started by a send on a self-closed ephemeral
	// connection.
	onDemand bool
	stats            Stats
}

func newID() string { return hex.EncodeToString(frand.Bytes(8)) }

// New creates a connection to address without dialing it.
func New(address string, cfg Config) (c *T) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.FetchInfo == nil {
		cfg.FetchInfo = relayinfo.Fetch
	}
	c = &T{
		Address:        normalize.URL(address),
		Signals:        NewSignals(),
		cfg:            cfg,
		clock:          cfg.Clock,
		id:             newID(),
		ephemeral:      cfg.Ephemeral,
		settings:       cfg.Settings,
		active:         make(map[string]struct{}),
		okCallbacks:    make(map[string]func(OkResponse)),
		awaitingAuth:   make(map[string]struct{}),
		reconnectDelay: BaseReconnectDelay,
	}
	c.lastActivity = c.clock.Now()
	return
}

func (c *T) String() string { return c.Address }

// ID is the identity of the current socket attempt.
func (c *T) ID() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.id
}

func (c *T) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *T) IsOpen() bool { return c.State() == Open }

// IsEphemeral reports whether the connection closes itself when idle.
func (c *T) IsEphemeral() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.ephemeral
}

// Promote turns an ephemeral connection into a persistent one.
func (c *T) Promote() {
	c.mx.Lock()
	c.ephemeral = false
	c.mx.Unlock()
}

func (c *T) Settings() Settings {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.settings
}

func (c *T) SetSettings(s Settings) {
	c.mx.Lock()
	c.settings = s
	c.mx.Unlock()
	c.Change.Emit(c)
}

// Info is the relay information document, nil until one was fetched.
func (c *T) Info() *relayinfo.T {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.info
}

func (c *T) SupportsNIP(n int) bool { return c.Info().HasNIP(n) }

func (c *T) maxSubscriptionsLocked() int { return c.info.MaxSubscriptions() }

// ActiveCount is the number of subscriptions currently open on the relay.
func (c *T) ActiveCount() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.active)
}

// PendingCount is the number of REQs waiting for a free slot.
func (c *T) PendingCount() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.pending)
}

func (c *T) IsActive(id string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, ok := c.active[id]
	return ok
}

func (c *T) Snapshot() (s Snapshot) {
	c.mx.Lock()
	defer c.mx.Unlock()
	s = Snapshot{
		Address:   c.Address,
		ID:        c.id,
		State:     c.state.String(),
		Settings:  c.settings,
		Ephemeral: c.ephemeral,
		Pending:   len(c.pending),
		Authed:    c.authed,
		Stats:     c.stats,
		Info:      c.info,
	}
	s.Stats.Latency = append([]time.Duration(nil), c.stats.Latency...)
	for id := range c.active {
		s.Active = append(s.Active, id)
	}
	return
}

// Connect fetches the relay information document the first time round, then
// dials the relay. A failed dial schedules a reconnect like any other
// unexpected close, except an on-demand dial of a self-closed ephemeral
// connection, which falls back to closed and waits for the next send.
// Connect on an open or connecting socket does nothing.
func (c *T) Connect(cx context.T) (e error) {
	c.mx.Lock()
	if c.state == Open || c.state == Connecting {
		c.mx.Unlock()
		return
	}
	c.state = Connecting
	c.isClosed = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stats.LastAttempt = c.clock.Now()
	needInfo := !c.infoFetched
	c.infoFetched = true
	c.mx.Unlock()
	if needInfo {
		var info *relayinfo.T
		if info, e = c.cfg.FetchInfo(cx, c.Address); e != nil {
			log.D.F("{%s} no relay information: %v", c.Address, e)
		} else {
			c.mx.Lock()
			c.info = info
			if info.AuthRequired() {
				c.expectAuth = true
			}
			c.mx.Unlock()
		}
	}
	dc, cancel := context.WithDefaultTimeout(cx, 7*time.Second)
	var conn *wsconn.C
	conn, e = wsconn.New(dc, c.Address, c.cfg.Header)
	cancel()
	if e != nil {
		log.D.F("{%s} dial failed: %v", c.Address, e)
		c.mx.Lock()
		c.state = Down
		c.mx.Unlock()
		c.ConnectFailed.Emit(ConnectFailed{Conn: c, Err: e})
		c.handleClose(nil, wsconn.StatusAbnormal)
		return fmt.Errorf("error opening websocket to '%s': %w", c.Address, e)
	}
	s := newSocket(conn)
	c.mx.Lock()
	if c.isClosed {
		// Close was called while dialing
		c.state = Closed
		c.mx.Unlock()
		s.close()
		return
	}
	c.sock = s
	c.state = Open
	c.onDemand = false
	c.reconnectDelay = BaseReconnectDelay
	wasReconnect := c.opened
	c.opened = true
	now := c.clock.Now()
	c.lastActivity = now
	c.stats.LastOpen = now
	if c.expectAuth && !c.authed {
		c.startAuthWindowLocked()
	}
	go c.writeLoop(s)
	go c.readLoop(s)
	if c.ephemeral {
		go c.ephemeralLoop(s)
	}
	c.flushLocked()
	c.mx.Unlock()
	log.D.F("{%s} connected", c.Address)
	c.Connected.Emit(Connected{Conn: c, WasReconnect: wasReconnect})
	c.Change.Emit(c)
	return
}

// Close closes the socket and stops reconnecting. Subscriptions, pending
// requests and buffered frames are dropped.
func (c *T) Close() {
	c.mx.Lock()
	c.isClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	s := c.sock
	c.sock = nil
	wasOpen := c.state == Open
	c.state = Closed
	var old string
	if wasOpen {
		old = c.resetLocked()
	}
	c.mx.Unlock()
	if s != nil {
		s.close()
	}
	if wasOpen {
		log.D.F("{%s} closed", c.Address)
		c.Disconnect.Emit(Disconnect{Conn: c, ConnID: old, Code: 1000})
		c.Change.Emit(c)
	}
}

// handleClose runs when socket s died (or a dial failed, s nil). Stale
// sockets replaced by a newer one are ignored.
func (c *T) handleClose(s *socket, code int) {
	c.mx.Lock()
	if c.sock != s {
		c.mx.Unlock()
		return
	}
	c.sock = nil
	if c.onDemand {
		c.onDemand = false
		c.isClosed = true
	}
	reconnect := !c.isClosed && code != CloseNoReconnect
	if c.isClosed {
		c.state = Closed
	} else {
		c.state = Down
	}
	var delay time.Duration
	if reconnect {
		delay = c.reconnectDelay
		c.reconnectDelay *= 2
		if c.reconnectDelay > MaxReconnectDelay {
			c.reconnectDelay = MaxReconnectDelay
		}
		c.stats.Disconnects++
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
		}
		c.reconnectTimer = c.clock.AfterFunc(delay, func() {
			chk.D(c.Connect(context.Bg()))
		})
	}
	old := c.resetLocked()
	c.mx.Unlock()
	if reconnect {
		log.D.F("{%s} closed with code %d, reconnecting in %v",
			c.Address, code, delay)
	} else {
		log.D.F("{%s} closed with code %d", c.Address, code)
	}
	c.Disconnect.Emit(Disconnect{Conn: c, ConnID: old, Code: code})
	c.Change.Emit(c)
}

// resetLocked clears per-socket state and assigns a fresh id, returning the
// previous one.
func (c *T) resetLocked() (old string) {
	old = c.id
	c.id = newID()
	c.active = make(map[string]struct{})
	c.pending = nil
	c.buffered = nil
	c.awaitingAuth = make(map[string]struct{})
	c.authed = false
	c.expectAuth = c.info.AuthRequired()
	c.authWaitUntil = time.Time{}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	return
}

func (c *T) readLoop(s *socket) {
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if e := s.conn.ReadMessage(s.ctx, buf); e != nil {
			code := wsconn.CloseCode(e)
			log.T.F("{%s} read: %v", c.Address, e)
			s.close()
			c.handleClose(s, code)
			return
		}
		c.handleFrame(buf.Bytes())
	}
}

// writeLoop owns every write to the socket, and pings the relay.
func (c *T) writeLoop(s *socket) {
	ticker := c.clock.Ticker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if e := s.conn.Ping(); e != nil {
				log.D.F("{%s} error writing ping: %v; closing websocket",
					c.Address, e)
				s.close()
				return
			}
		case b := <-s.queue:
			if e := s.conn.WriteMessage(b); e != nil {
				log.D.F("{%s} write failed: %v", c.Address, e)
				s.close()
				return
			}
		}
	}
}

// ephemeralLoop closes an ephemeral connection once it has been idle with no
// active subscriptions for EphemeralIdleTimeout.
func (c *T) ephemeralLoop(s *socket) {
	ticker := c.clock.Ticker(EphemeralCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if c.idle(s) {
				log.D.F("{%s} closing idle ephemeral connection", c.Address)
				c.Close()
				return
			}
		}
	}
}

func (c *T) idle(s *socket) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.ephemeral && c.sock == s && len(c.active) == 0 &&
		c.clock.Since(c.lastActivity) > EphemeralIdleTimeout
}

type socket struct {
	conn   *wsconn.C
	queue  chan []byte
	ctx    context.T
	cancel context.F
	once   sync.Once
}

func newSocket(conn *wsconn.C) *socket {
	cx, cancel := context.Cancel(context.Bg())
	return &socket{conn: conn, queue: make(chan []byte, 256), ctx: cx,
		cancel: cancel}
}

// push hands a frame to the writer. Frames for a dead socket are dropped.
func (s *socket) push(b []byte) {
	select {
	case s.queue <- b:
	case <-s.ctx.Done():
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		s.cancel()
		chk.D(s.conn.Close())
	})
}
