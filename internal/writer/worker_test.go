package writer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensight/cseg/internal/cache"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Error, nil, "", 0, 0)
	require.NoError(t, err)
	return l
}

func seg(seq int) *segment.Segment {
	return &segment.Segment{Sequence: seq, Duration: 1}
}

// countingPlugin records every WriteSegment call and returns scripted
// results in order; the last result repeats once the script is exhausted.
type countingPlugin struct {
	mu      sync.Mutex
	calls   int32
	results []struct {
		pause bool
		err   error
	}
}

func (p *countingPlugin) Init(context.Context, PluginContext) error { return nil }
func (p *countingPlugin) Uninit(context.Context)                    {}

func (p *countingPlugin) WriteSegment(context.Context, *segment.Segment) (bool, error) {
	i := int(atomic.AddInt32(&p.calls, 1)) - 1

	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i].pause, p.results[i].err
}

func (p *countingPlugin) callCount() int {
	return int(atomic.LoadInt32(&p.calls))
}

func TestWorkerWritesSuccessfulSegment(t *testing.T) {
	c := cache.New(cache.Config{MaxSegments: 2})
	plugin := &countingPlugin{results: []struct {
		pause bool
		err   error
	}{{false, nil}}}

	var events []Event
	var mu sync.Mutex
	w := NewWorker(c, plugin, testLogger(t), time.Second, false, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	w.Start()

	c.Enqueue(seg(0))
	// let the write finish before shutting down: with drainOnClose=false a
	// segment dequeued after Shutdown is discarded, not written
	require.Eventually(t, func() bool {
		return w.Counters().Written == 1
	}, time.Second, time.Millisecond)
	c.Shutdown()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}

	require.Equal(t, 1, plugin.callCount())
	require.Equal(t, int64(1), w.Counters().Written)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, EventWritten, events[0].Kind)
}

func TestWorkerRetriesOnPauseThenSucceeds(t *testing.T) {
	c := cache.New(cache.Config{MaxSegments: 2})
	plugin := &countingPlugin{results: []struct {
		pause bool
		err   error
	}{{true, nil}, {true, nil}, {true, nil}, {false, nil}}}

	w := NewWorker(c, plugin, testLogger(t), time.Second, false, nil)
	w.Start()

	c.Enqueue(seg(0))

	require.Eventually(t, func() bool {
		return w.Counters().Written == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, 4, plugin.callCount())
	require.Equal(t, int64(3), w.Counters().Paused)

	c.Shutdown()
	<-w.Done()
}

func TestWorkerFreesSegmentOnError(t *testing.T) {
	c := cache.New(cache.Config{MaxSegments: 1})
	plugin := &countingPlugin{results: []struct {
		pause bool
		err   error
	}{{false, errors.New("boom")}}}

	w := NewWorker(c, plugin, testLogger(t), time.Second, false, nil)
	w.Start()

	c.Enqueue(seg(0))

	require.Eventually(t, func() bool {
		return w.Counters().Errors == 1
	}, time.Second, time.Millisecond)

	// the cache must have room again: the failed segment was freed, not requeued
	require.Equal(t, cache.OK, c.Enqueue(seg(1)))

	c.Shutdown()
	<-w.Done()
}

func TestWorkerDiscardsOnCloseWithoutDrain(t *testing.T) {
	c := cache.New(cache.Config{MaxSegments: 2})
	plugin := &countingPlugin{results: []struct {
		pause bool
		err   error
	}{{false, nil}}}

	w := NewWorker(c, plugin, testLogger(t), time.Second, false, nil)

	c.Enqueue(seg(0))
	c.Shutdown()

	w.Start()
	<-w.Done()

	require.Equal(t, 0, plugin.callCount())
}

func TestWorkerDrainsOnCloseWithDrain(t *testing.T) {
	c := cache.New(cache.Config{MaxSegments: 2})
	plugin := &countingPlugin{results: []struct {
		pause bool
		err   error
	}{{false, nil}}}

	w := NewWorker(c, plugin, testLogger(t), time.Second, true, nil)

	c.Enqueue(seg(0))
	c.Shutdown()

	w.Start()
	<-w.Done()

	require.Equal(t, 1, plugin.callCount())
}
