// Package context shortens the standard library context names used all over
// the engine and adds the default deadline helper the relay code relies on.
package context

import (
	"context"
	"time"
)

type (
	T = context.Context
	F = context.CancelFunc
	C = context.CancelCauseFunc
)

var (
	Bg          = context.Background
	Cancel      = context.WithCancel
	Timeout     = context.WithTimeout
	TODO        = context.TODO
	Value       = context.WithValue
	CancelCause = context.WithCancelCause
	Canceled    = context.Canceled
	Deadline    = context.DeadlineExceeded
)

// WithDefaultTimeout returns c unchanged when it already carries a deadline,
// otherwise a child of c that expires after d.
func WithDefaultTimeout(c T, d time.Duration) (T, F) {
	if _, ok := c.Deadline(); ok {
		return c, func() {}
	}
	return context.WithTimeout(c, d)
}
