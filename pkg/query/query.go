package query

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

// CancelGrace is how long a cancelled query lingers before it is removed, so
// responses already on the way are still accepted and a quick re-subscribe
// reuses it.
const CancelGrace = 5 * time.Second

// TraceTimeout is how long a trace may go without EOSE before it is forced.
const TraceTimeout = 5 * time.Second

// T is one logical request: every dispatch made for it, and the feed its
// events go to.
type T struct {
	ID    string
	Feed  Feed
	clock clock.Clock

	mx       sync.Mutex
	opts     request.Options
	filters  []request.Filter
	traces   []*Trace
	cancelAt time.Time
}

func newQuery(id string, feed Feed, opts request.Options, clk clock.Clock) *T {
	return &T{ID: id, Feed: feed, opts: opts, clock: clk}
}

// traceRef names a trace on a relay for calls made after the lock is
// released.
type traceRef struct {
	id, relay string
}

// Progress is the fraction of traces that finished. A query with no traces
// has nothing to wait for and counts as done.
func (q *T) Progress() float64 {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.progressLocked()
}

func (q *T) progressLocked() float64 {
	if len(q.traces) == 0 {
		return 1
	}
	var done int
	for _, t := range q.traces {
		if t.Finished() {
			done++
		}
	}
	return float64(done) / float64(len(q.traces))
}

// Loading is true until every trace has finished.
func (q *T) Loading() bool { return q.Progress() < 1 }

func (q *T) Options() request.Options {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.opts
}

func (q *T) Filters() []request.Filter {
	q.mx.Lock()
	defer q.mx.Unlock()
	return append([]request.Filter(nil), q.filters...)
}

// Traces returns copies of the query's traces in dispatch order.
func (q *T) Traces() (out []Trace) {
	q.mx.Lock()
	defer q.mx.Unlock()
	for _, t := range q.traces {
		out = append(out, t.copy())
	}
	return
}

func (q *T) TraceCount() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.traces)
}

// IsOpen is true for live queries that were not cancelled.
func (q *T) IsOpen() bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.cancelAt.IsZero() && q.opts.LeaveOpen
}

// Cancel schedules the query for removal after CancelGrace.
func (q *T) Cancel() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.cancelAt.IsZero() {
		q.cancelAt = q.clock.Now().Add(CancelGrace)
	}
}

func (q *T) uncancel() {
	q.mx.Lock()
	q.cancelAt = time.Time{}
	q.mx.Unlock()
}

func (q *T) Cancelled() bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return !q.cancelAt.IsZero()
}

// update records the filter set of the latest call and its options.
func (q *T) update(fs []request.Filter, opts request.Options) {
	q.mx.Lock()
	q.filters = fs
	q.opts = opts
	q.mx.Unlock()
}

func newTraceID() string { return hex.EncodeToString(frand.Bytes(8)) }

func (q *T) addTrace(p request.Plan, relay, connID string) (id string) {
	q.mx.Lock()
	defer q.mx.Unlock()
	t := &Trace{ID: newTraceID(), Relay: relay, Filters: p.Filters,
		ConnID: connID, Strategy: p.Strategy, Start: q.clock.Now()}
	q.traces = append(q.traces, t)
	return t.ID
}

// insertCompleted adds a trace that is already finished and closed, as for
// answers from a local cache.
func (q *T) insertCompleted(relay string, filters nostr.Filters) (r Report) {
	q.mx.Lock()
	defer q.mx.Unlock()
	now := q.clock.Now()
	t := &Trace{ID: newTraceID(), Relay: relay, Filters: filters, Start: now,
		Sent: now, EoseAt: now, CloseAt: now}
	q.traces = append(q.traces, t)
	return t.report(q.ID)
}

func (q *T) find(id string) *Trace {
	for _, t := range q.traces {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Trace returns a copy of the trace with id.
func (q *T) Trace(id string) (c Trace, ok bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if t := q.find(id); t != nil {
		return t.copy(), true
	}
	return
}

func (q *T) bind(id, connID string) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if t := q.find(id); t != nil {
		t.ConnID = connID
	}
}

func (q *T) markSent(id string) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if t := q.find(id); t != nil && t.Sent.IsZero() {
		t.Sent = q.clock.Now()
	}
}

// eose finishes trace id. A trace of a query that does not stay open is
// closed too, and closeOnRelay asks the caller to send the CLOSE. When the
// relay itself closed the subscription there is nothing to send.
func (q *T) eose(id string, relayClosed bool) (closeOnRelay bool,
	reports []Report) {

	q.mx.Lock()
	defer q.mx.Unlock()
	t := q.find(id)
	if t == nil || t.IsClosed() {
		return
	}
	now := q.clock.Now()
	t.finish(now, false)
	if relayClosed || !q.opts.LeaveOpen || !q.cancelAt.IsZero() {
		t.CloseAt = now
		reports = append(reports, t.report(q.ID))
		closeOnRelay = !relayClosed
	}
	return
}

// fail forces a trace that could not be dispatched.
func (q *T) fail(id string) (r Report) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if t := q.find(id); t != nil && !t.IsClosed() {
		now := q.clock.Now()
		t.finish(now, true)
		t.CloseAt = now
		r = t.report(q.ID)
	}
	return
}

// connectionLost forces and closes every open trace bound to connID. The
// socket is gone so no CLOSE is needed.
func (q *T) connectionLost(connID string) (reports []Report) {
	q.mx.Lock()
	defer q.mx.Unlock()
	now := q.clock.Now()
	for _, t := range q.traces {
		if t.ConnID != connID || t.IsClosed() {
			continue
		}
		t.finish(now, true)
		t.CloseAt = now
		reports = append(reports, t.report(q.ID))
	}
	return
}

// restore rebinds every trace on addr to connID and returns them for
// sending again, if the query is still open.
func (q *T) restore(addr, connID string) (out []Trace) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if !q.cancelAt.IsZero() || !q.opts.LeaveOpen {
		return
	}
	for _, t := range q.traces {
		if t.Relay != addr {
			continue
		}
		t.ConnID = connID
		t.CloseAt = time.Time{}
		t.Sent = time.Time{}
		out = append(out, t.copy())
	}
	return
}

// sweep forces traces that went TraceTimeout without EOSE, closing them.
func (q *T) sweep(now time.Time) (toClose []traceRef, reports []Report) {
	q.mx.Lock()
	defer q.mx.Unlock()
	for _, t := range q.traces {
		if t.Finished() || t.IsClosed() {
			continue
		}
		if now.Sub(t.Start) >= TraceTimeout {
			t.finish(now, true)
			t.CloseAt = now
			toClose = append(toClose, traceRef{t.ID, t.Relay})
			reports = append(reports, t.report(q.ID))
		}
	}
	return
}

// removable is true once the cancel grace has run out.
func (q *T) removable(now time.Time) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return !q.cancelAt.IsZero() && !now.Before(q.cancelAt)
}

// closeAll closes every open trace, returning those that need a CLOSE.
func (q *T) closeAll() (toClose []traceRef, reports []Report) {
	q.mx.Lock()
	defer q.mx.Unlock()
	now := q.clock.Now()
	for _, t := range q.traces {
		if t.IsClosed() {
			continue
		}
		t.finish(now, false)
		t.CloseAt = now
		toClose = append(toClose, traceRef{t.ID, t.Relay})
		reports = append(reports, t.report(q.ID))
	}
	return
}

// Snapshot is a copy of the observable state of a query.
type Snapshot struct {
	ID        string   `json:"id"`
	Progress  float64  `json:"progress"`
	LeaveOpen bool     `json:"leave_open"`
	Cancelled bool     `json:"cancelled"`
	Traces    []Report `json:"traces"`
}

func (q *T) Snapshot() (s Snapshot) {
	q.mx.Lock()
	defer q.mx.Unlock()
	s = Snapshot{ID: q.ID, Progress: q.progressLocked(),
		LeaveOpen: q.opts.LeaveOpen, Cancelled: !q.cancelAt.IsZero()}
	for _, t := range q.traces {
		s.Traces = append(s.Traces, t.report(q.ID))
	}
	return
}
