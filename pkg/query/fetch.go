package query

import (
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/nbd-wtf/go-nostr"
)

// FetchBatch is how often Fetch hands what it collected to its callback.
const FetchBatch = 100 * time.Millisecond

// Fetch runs b as a one-shot query and waits until every trace finished,
// the timeout in b's options (DefaultFetchTimeout if unset) passed, or cx is
// done. onBatch, if given, gets the new events every FetchBatch. The result
// holds every event of the query's feed matching b's filters, newest first,
// so a request id reused within the cancel grace still returns what was
// loaded before. A feed without a Snapshot only yields what arrived during
// this call.
func (m *Manager) Fetch(cx context.T, b *request.Builder,
	onBatch func([]*nostr.Event)) (out []*nostr.Event) {

	b.Options.LeaveOpen = false
	timeout := b.Options.Timeout
	if timeout <= 0 {
		timeout = request.DefaultFetchTimeout
	}
	var mx sync.Mutex
	var batch, got []*nostr.Event
	seen := make(map[string]struct{})
	unsub := m.Event.Subscribe(func(d Delivered) {
		if d.Query != b.ID {
			return
		}
		mx.Lock()
		defer mx.Unlock()
		if _, ok := seen[d.Event.ID]; ok {
			return
		}
		seen[d.Event.ID] = struct{}{}
		batch = append(batch, d.Event)
		got = append(got, d.Event)
	})
	defer unsub()
	flush := func() {
		mx.Lock()
		b := batch
		batch = nil
		mx.Unlock()
		if len(b) > 0 && onBatch != nil {
			onBatch(b)
		}
	}
	q := m.Query(cx, b)
	defer q.Cancel()
	tick := m.Clock.Ticker(FetchBatch)
	defer tick.Stop()
	deadline := m.Clock.Timer(timeout)
	defer deadline.Stop()
wait:
	for q.Loading() {
		select {
		case <-cx.Done():
			break wait
		case <-deadline.C:
			log.D.F("fetch %s timed out at %.0f%%", q.ID, q.Progress()*100)
			break wait
		case <-tick.C:
			flush()
		}
	}
	flush()
	if f, ok := q.Feed.(snapshotter); ok {
		return matching(f.Snapshot(), request.Filters(b.Filters()))
	}
	mx.Lock()
	out = append(out, got...)
	mx.Unlock()
	sortNewest(out)
	return
}

type snapshotter interface {
	Snapshot() []*nostr.Event
}

func matching(evs []*nostr.Event, fs nostr.Filters) (out []*nostr.Event) {
	for _, ev := range evs {
		if fs.Match(ev) {
			out = append(out, ev)
		}
	}
	sortNewest(out)
	return
}
