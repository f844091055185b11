// Package emitter is a small typed publish/subscribe primitive used in place
// of string-keyed event handlers.
package emitter

import (
	"sync"
)

// T fans values of type M out to its subscribers. Handlers run on the
// goroutine that calls Emit, in subscription order.
type T[M any] struct {
	mx       sync.RWMutex
	next     uint64
	handlers []entry[M]
}

type entry[M any] struct {
	id uint64
	fn func(M)
}

func New[M any]() *T[M] { return &T[M]{} }

// Subscribe registers fn and returns the function that removes it again.
// Calling the returned function more than once is harmless.
func (t *T[M]) Subscribe(fn func(M)) (unsubscribe func()) {
	t.mx.Lock()
	t.next++
	id := t.next
	t.handlers = append(t.handlers, entry[M]{id, fn})
	t.mx.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mx.Lock()
			defer t.mx.Unlock()
			for i := range t.handlers {
				if t.handlers[i].id == id {
					t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every current subscriber with m. A handler may subscribe or
// unsubscribe from inside Emit; the change applies from the next Emit.
func (t *T[M]) Emit(m M) {
	t.mx.RLock()
	hs := make([]func(M), len(t.handlers))
	for i := range t.handlers {
		hs[i] = t.handlers[i].fn
	}
	t.mx.RUnlock()
	for _, fn := range hs {
		fn(m)
	}
}

// Len is the number of current subscribers.
func (t *T[M]) Len() int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.handlers)
}
