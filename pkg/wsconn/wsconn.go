// Package wsconn is the client side websocket used to talk to a relay. It
// negotiates permessage-deflate when the relay offers it and reports the
// close code a relay sent when it hangs up.
package wsconn

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
)

var log, chk = slog.New(os.Stderr)

// StatusAbnormal is reported when the socket died without a close frame.
const StatusAbnormal = int(ws.StatusAbnormalClosure)

// flateLevel trades ratio for speed on outgoing frames.
const flateLevel = 4

// closeWait bounds how long Close waits for a stalled write.
const closeWait = time.Second

// CloseError carries the close code and reason sent by the relay.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed by relay: %d %s", e.Code, e.Reason)
}

// CloseCode extracts the relay's close code from an error returned by
// ReadMessage, or StatusAbnormal when the socket died without one.
func CloseCode(e error) int {
	var ce *CloseError
	if errors.As(e, &ce) {
		return ce.Code
	}
	return StatusAbnormal
}

// C is one dialed relay socket. Writes are serialized: data frames, pings,
// replies to control frames and the closing frame never interleave.
type C struct {
	Conn     net.Conn
	wmx      sync.Mutex
	deflate  bool
	control  wsutil.FrameHandlerFunc
	r        *wsutil.Reader
	w        *wsutil.Writer
	inState  wsflate.MessageState
	outState wsflate.MessageState
	inflater *wsflate.Reader
	deflater *wsflate.Writer
}

// New dials url and returns the established socket.
func New(c context.T, url string, header http.Header) (s *C, e error) {
	d := ws.Dialer{
		Header:     ws.HandshakeHeaderHTTP(header),
		Extensions: []httphead.Option{wsflate.DefaultParameters.Option()},
	}
	var conn net.Conn
	var hs ws.Handshake
	if conn, _, hs, e = d.Dial(c, url); e != nil {
		return nil, fmt.Errorf("failed to dial: %w", e)
	}
	s = &C{Conn: conn, deflate: negotiated(hs)}
	state := ws.StateClientSide
	if s.deflate {
		state |= ws.StateExtended
		s.inState.SetCompressed(true)
		s.outState.SetCompressed(true)
		s.inflater = wsflate.NewReader(nil,
			func(r io.Reader) wsflate.Decompressor { return flate.NewReader(r) })
		s.deflater = wsflate.NewWriter(nil,
			func(w io.Writer) wsflate.Compressor {
				fw, e := flate.NewWriter(w, flateLevel)
				chk.E(e)
				return fw
			})
	}
	s.control = s.handleControl
	s.r = &wsutil.Reader{
		Source:         conn,
		State:          state,
		OnIntermediate: s.control,
		Extensions:     []wsutil.RecvExtension{&s.inState},
	}
	s.w = wsutil.NewWriter(conn, state, ws.OpText)
	s.w.SetExtensions(&s.outState)
	log.T.F("{%s} dialed, compression %v", url, s.deflate)
	return
}

// handleControl answers pings and close frames. The reply is built in memory
// and written in one piece under the write lock.
func (c *C) handleControl(h ws.Header, r io.Reader) (e error) {
	var reply bytes.Buffer
	e = wsutil.ControlFrameHandler(&reply, ws.StateClientSide)(h, r)
	if reply.Len() > 0 {
		c.wmx.Lock()
		_, we := c.Conn.Write(reply.Bytes())
		c.wmx.Unlock()
		if e == nil && we != nil {
			e = fmt.Errorf("failed to answer control frame: %w", we)
		}
	}
	return
}

func negotiated(hs ws.Handshake) bool {
	for _, ext := range hs.Extensions {
		if string(ext.Name) == wsflate.ExtensionName {
			return true
		}
	}
	return false
}

func (c *C) compressed(st *wsflate.MessageState) bool {
	return c.deflate && st.IsCompressed()
}

// WriteMessage sends one text frame.
func (c *C) WriteMessage(data []byte) (e error) {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	var dst io.WriteCloser = nopCloser{c.w}
	if c.compressed(&c.outState) {
		c.deflater.Reset(c.w)
		dst = c.deflater
	}
	if _, e = io.Copy(dst, bytes.NewReader(data)); e != nil {
		return fmt.Errorf("failed to write message: %w", e)
	}
	if e = dst.Close(); e != nil {
		return fmt.Errorf("failed to finish message: %w", e)
	}
	if e = c.w.Flush(); e != nil {
		return fmt.Errorf("failed to flush writer: %w", e)
	}
	return
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Ping writes a ping control frame.
func (c *C) Ping() error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return wsutil.WriteClientMessage(c.Conn, ws.OpPing, nil)
}

// next skips to the header of the next data frame, answering control frames
// on the way.
func (c *C) next(cx context.T) (e error) {
	for {
		if e = cx.Err(); e != nil {
			return
		}
		var h ws.Header
		if h, e = c.r.NextFrame(); e != nil {
			c.Conn.Close()
			return fmt.Errorf("failed to advance frame: %w", e)
		}
		switch {
		case h.OpCode.IsControl():
			if e = c.control(h, c.r); e != nil {
				var closed wsutil.ClosedError
				if errors.As(e, &closed) {
					return &CloseError{Code: int(closed.Code),
						Reason: closed.Reason}
				}
				return fmt.Errorf("failed to handle control frame: %w", e)
			}
		case h.OpCode == ws.OpText, h.OpCode == ws.OpBinary:
			return nil
		}
		if e = c.r.Discard(); e != nil {
			return fmt.Errorf("failed to discard: %w", e)
		}
	}
}

// ReadMessage blocks until the next data frame and copies its payload into
// buf. A close frame from the relay is returned as a *CloseError.
func (c *C) ReadMessage(cx context.T, buf io.Writer) (e error) {
	if e = c.next(cx); e != nil {
		return
	}
	var src io.Reader = c.r
	if c.compressed(&c.inState) {
		c.inflater.Reset(c.r)
		src = c.inflater
	}
	if _, e = io.Copy(buf, src); e != nil {
		return fmt.Errorf("failed to read message: %w", e)
	}
	return
}

// Close sends a normal closure frame, best effort, and closes the socket. A
// write stuck on a dead peer is cut short after closeWait.
func (c *C) Close() error {
	chk.T(c.Conn.SetWriteDeadline(time.Now().Add(closeWait)))
	c.wmx.Lock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if e := wsutil.WriteClientMessage(c.Conn, ws.OpClose, body); e != nil {
		log.T.Ln("close frame not sent:", e)
	}
	c.wmx.Unlock()
	return c.Conn.Close()
}
