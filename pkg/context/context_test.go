package context

import (
	"testing"
	"time"
)

func TestWithDefaultTimeout(t *testing.T) {
	c, cancel := WithDefaultTimeout(Bg(), time.Second)
	defer cancel()
	dl, ok := c.Deadline()
	if !ok {
		t.Fatal("no deadline was set")
	}
	if time.Until(dl) > time.Second {
		t.Errorf("deadline too far in the future: %v", dl)
	}
	parent, pcancel := Timeout(Bg(), time.Hour)
	defer pcancel()
	c2, cancel2 := WithDefaultTimeout(parent, time.Second)
	defer cancel2()
	if c2 != parent {
		t.Error("context with an existing deadline was replaced")
	}
}
