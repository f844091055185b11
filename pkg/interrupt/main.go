// Package interrupt runs shutdown handlers, last added first, when the
// process gets an interrupt signal or a shutdown is requested.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/Hubmakerlabs/outboxr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

type handlerWithSource struct {
	source string
	fn     func()
}

// T listens for signals and runs its handlers once.
type T struct {
	mx        sync.Mutex
	handlers  []handlerWithSource
	requested bool
	signals   chan os.Signal
	request   chan struct{}
	done      chan struct{}
	once      sync.Once
}

// New starts listening for sigs, SIGINT and SIGTERM if none are given.
func New(sigs ...os.Signal) (t *T) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	t = &T{
		signals: make(chan os.Signal, 1),
		request: make(chan struct{}),
		done:    make(chan struct{}),
	}
	signal.Notify(t.signals, sigs...)
	go t.listen()
	return
}

func (t *T) listen() {
	select {
	case sig := <-t.signals:
		log.D.Ln("received interrupt signal", sig)
	case <-t.request:
		log.W.Ln("received shutdown request - shutting down...")
	}
	signal.Stop(t.signals)
	t.mx.Lock()
	t.requested = true
	handlers := t.handlers
	t.mx.Unlock()
	log.D.Ln("running interrupt callbacks", len(handlers))
	for i := len(handlers) - 1; i >= 0; i-- {
		log.D.Ln("running callback", i, handlers[i].source)
		handlers[i].fn()
	}
	log.D.Ln("interrupt handlers finished")
	close(t.done)
}

// AddHandler adds fn to the handlers run on shutdown.
func (t *T) AddHandler(fn func()) {
	_, loc, line, _ := runtime.Caller(1)
	msg := fmt.Sprintf("%s:%d", loc, line)
	log.D.Ln("handler added by:", msg)
	t.mx.Lock()
	defer t.mx.Unlock()
	t.handlers = append(t.handlers, handlerWithSource{msg, fn})
}

// Request asks for a shutdown as if a signal had arrived.
func (t *T) Request() {
	_, f, l, _ := runtime.Caller(1)
	log.D.Ln("interrupt requested", f, l)
	t.once.Do(func() { close(t.request) })
}

// Requested is true once shutdown has started.
func (t *T) Requested() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.requested
}

// Done is closed after every handler ran.
func (t *T) Done() <-chan struct{} { return t.done }

// GoroutineDump returns the stacks of all goroutines, to show what is stuck
// when shutdown takes too long.
func GoroutineDump() string {
	buf := make([]byte, 1<<18)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
