package query

import (
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/nbd-wtf/go-nostr"
)

// TraceState is where a dispatch is in its lifecycle.
type TraceState int

const (
	Created TraceState = iota
	Sent
	Eose
	ForcedEose
	Closed
)

func (s TraceState) String() string {
	switch s {
	case Created:
		return "created"
	case Sent:
		return "sent"
	case Eose:
		return "eose"
	case ForcedEose:
		return "forced-eose"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Trace records one REQ sent to one relay. Its ID is the subscription id.
// Traces are only mutated under the owning query's lock; callers get copies.
type Trace struct {
	ID       string
	Relay    string
	Filters  nostr.Filters
	ConnID   string
	Strategy request.Strategy
	Start    time.Time
	Sent     time.Time
	EoseAt   time.Time
	CloseAt  time.Time
	Forced   bool
}

// Finished is true once the relay sent EOSE or the trace was forced.
func (t *Trace) Finished() bool { return !t.EoseAt.IsZero() }

func (t *Trace) IsClosed() bool { return !t.CloseAt.IsZero() }

func (t *Trace) State() TraceState {
	switch {
	case t.IsClosed():
		return Closed
	case t.Forced:
		return ForcedEose
	case t.Finished():
		return Eose
	case !t.Sent.IsZero():
		return Sent
	}
	return Created
}

func (t *Trace) finish(now time.Time, forced bool) {
	if t.Finished() {
		return
	}
	t.EoseAt = now
	t.Forced = forced
}

// Report is the record of a closed trace, fed to relay metrics.
type Report struct {
	Query    string        `json:"query"`
	ID       string        `json:"id"`
	Relay    string        `json:"relay"`
	ConnID   string        `json:"conn_id"`
	Strategy string        `json:"strategy"`
	Filters  int           `json:"filters"`
	Queued   time.Duration `json:"queued"`
	Response time.Duration `json:"response"`
	Lifetime time.Duration `json:"lifetime"`
	Forced   bool          `json:"forced"`
}

func (t *Trace) report(query string) (r Report) {
	r = Report{Query: query, ID: t.ID, Relay: t.Relay, ConnID: t.ConnID,
		Strategy: t.Strategy.String(), Filters: len(t.Filters), Forced: t.Forced}
	if !t.Sent.IsZero() {
		r.Queued = t.Sent.Sub(t.Start)
		if t.Finished() {
			r.Response = t.EoseAt.Sub(t.Sent)
		}
	}
	if t.IsClosed() {
		r.Lifetime = t.CloseAt.Sub(t.Start)
	}
	return
}

func (t *Trace) copy() (c Trace) {
	c = *t
	c.Filters = append(nostr.Filters(nil), t.Filters...)
	return
}
