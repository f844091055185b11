package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeEmit(t *testing.T) {
	e := New[int]()
	var a, b []int
	unsubA := e.Subscribe(func(v int) { a = append(a, v) })
	e.Subscribe(func(v int) { b = append(b, v) })
	e.Emit(1)
	unsubA()
	unsubA()
	e.Emit(2)
	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, e.Len())
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	e := New[string]()
	var got []string
	var unsub func()
	unsub = e.Subscribe(func(s string) {
		got = append(got, s)
		unsub()
	})
	e.Emit("x")
	e.Emit("y")
	assert.Equal(t, []string{"x"}, got)
}
