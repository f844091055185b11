package socialgraph

import (
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultWindow is how long follow lists are collected before a graph
// update.
const DefaultWindow = 500 * time.Millisecond

// Batcher collects follow lists and hands them to a graph in one Ingest per
// window.
type Batcher struct {
	g      I
	clock  clock.Clock
	window time.Duration
	mx     sync.Mutex
	buf    []*nostr.Event
	timer  *clock.Timer
}

func NewBatcher(g I, clk clock.Clock, window time.Duration) *Batcher {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{g: g, clock: clk, window: window}
}

// Add buffers ev if it is a follow list, starting the window if none is
// running.
func (b *Batcher) Add(ev *nostr.Event) {
	if ev.Kind != int(kind.FollowList) {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	b.buf = append(b.buf, ev)
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.Flush)
	}
}

// Flush ingests whatever is buffered now.
func (b *Batcher) Flush() {
	b.mx.Lock()
	buf := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mx.Unlock()
	if len(buf) > 0 {
		log.T.F("ingesting %d follow lists", len(buf))
		b.g.Ingest(buf...)
	}
}

func (b *Batcher) Pending() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.buf)
}
