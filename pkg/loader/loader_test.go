package loader

import (
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetcher struct {
	mx      sync.Mutex
	calls   [][]string
	have    map[string]int
	release chan struct{}
}

func (f *fetcher) fetch(c context.T, keys []string) (map[string]int, error) {
	f.mx.Lock()
	f.calls = append(f.calls, keys)
	f.mx.Unlock()
	if f.release != nil {
		<-f.release
	}
	out := make(map[string]int)
	for _, k := range keys {
		if v, ok := f.have[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fetcher) Calls() [][]string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([][]string(nil), f.calls...)
}

func TestBatchesAndNegativeCache(t *testing.T) {
	f := &fetcher{have: map[string]int{"a": 1, "b": 2}}
	tbl := cache.NewMemory[int]()
	l := New(Config[int]{Table: tbl, Fetch: f.fetch})
	l.Want("b", "a", "zz")
	l.Want("a", "")
	assert.Equal(t, 3, l.Pending())
	l.Flush(context.Bg())
	l.wg.Wait()
	assert.Equal(t, [][]string{{"a", "b", "zz"}}, f.Calls())
	v, ok := tbl.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	// cached and negatively cached keys are not wanted again
	l.Want("a", "b", "zz")
	assert.Equal(t, 0, l.Pending())
}

func TestInFlightDedupe(t *testing.T) {
	f := &fetcher{have: map[string]int{"a": 1}, release: make(chan struct{})}
	l := New(Config[int]{Table: cache.NewMemory[int](), Fetch: f.fetch})
	l.Want("a")
	l.Flush(context.Bg())
	require.Eventually(t, func() bool { return len(f.Calls()) == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, 1, l.InFlight())
	l.Want("a")
	assert.Equal(t, 0, l.Pending())
	close(f.release)
	l.wg.Wait()
	assert.Equal(t, 0, l.InFlight())
	assert.Len(t, f.Calls(), 1)
}

func TestStaleValuesReload(t *testing.T) {
	f := &fetcher{have: map[string]int{"a": 5}}
	tbl := cache.NewMemory[int]()
	require.NoError(t, tbl.Set("a", 1))
	l := New(Config[int]{Table: tbl, Fetch: f.fetch,
		Stale: func(v int) bool { return v < 3 },
		Merge: func(old, fetched int) int { return old + fetched }})
	l.Want("a")
	assert.Equal(t, 1, l.Pending())
	got := l.Load(context.Bg(), "a")
	assert.Equal(t, map[string]int{"a": 6}, got)
	assert.Equal(t, 0, l.Pending())
}

func TestRunFlushesOnInterval(t *testing.T) {
	mock := clock.NewMock()
	f := &fetcher{have: map[string]int{"k": 1}}
	l := New(Config[int]{Table: cache.NewMemory[int](), Fetch: f.fetch,
		Clock: mock})
	c, cancel := context.Cancel(context.Bg())
	done := make(chan struct{})
	go func() {
		l.Run(c)
		close(done)
	}()
	l.Want("k")
	require.Eventually(t, func() bool {
		mock.Add(DefaultInterval)
		return len(f.Calls()) == 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestNegativeCacheExpiresOnClock(t *testing.T) {
	mock := clock.NewMock()
	f := &fetcher{have: map[string]int{}}
	l := New(Config[int]{Table: cache.NewMemory[int](), Fetch: f.fetch,
		Clock: mock})
	assert.Empty(t, l.Load(context.Bg(), "gone"))
	l.Want("gone")
	assert.Equal(t, 0, l.Pending())
	mock.Add(DefaultNegativeTTL - time.Second)
	l.Want("gone")
	assert.Equal(t, 0, l.Pending())
	mock.Add(time.Second)
	l.Want("gone")
	assert.Equal(t, 1, l.Pending())
}
