package writer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opensight/cseg/internal/cache"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
)

// State is the writer thread's half of the parallel state machine in
// spec.md §3.
type State int32

// Writer states.
const (
	StateRunning State = iota
	StatePaused
	StateStopped
)

// EventKind classifies a lifecycle Event pushed to an optional observer
// (internal/status's websocket feed is the only consumer today).
type EventKind int

// Event kinds.
const (
	EventWritten EventKind = iota
	EventPaused
	EventError
	EventEvicted
)

// Event describes one writer-thread occurrence.
type Event struct {
	Kind     EventKind
	Sequence int
	Err      error
}

// Counters are the plain atomically-updated counters §7 asks for
// ("a counter and rate-limited log are the user-visible signal").
type Counters struct {
	Written  int64
	Errors   int64
	Paused   int64
	Evicted  int64
}

// Worker is the single dedicated consumer thread of spec.md §4.5.
type Worker struct {
	cache        *cache.Cache
	plugin       Plugin
	log          *logger.Logger
	timeout      time.Duration
	drainOnClose bool
	onEvent      func(Event)

	state Counters
	st    int32 // atomic State

	done chan struct{}
}

// NewWorker allocates a Worker bound to c and plugin. onEvent may be nil.
func NewWorker(c *cache.Cache, plugin Plugin, log *logger.Logger, timeout time.Duration, drainOnClose bool, onEvent func(Event)) *Worker {
	return &Worker{
		cache:        c,
		plugin:       plugin,
		log:          log,
		timeout:      timeout,
		drainOnClose: drainOnClose,
		onEvent:      onEvent,
		done:         make(chan struct{}),
	}
}

// Start runs the consumer loop in its own goroutine.
func (w *Worker) Start() {
	atomic.StoreInt32(&w.st, int32(StateRunning))
	go w.run()
}

// Done returns a channel closed once the worker loop has exited, i.e.
// once the cache has been shut down and fully drained.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// State returns the current writer-thread state.
func (w *Worker) State() State {
	return State(atomic.LoadInt32(&w.st))
}

// Counters returns a snapshot of the writer's counters.
func (w *Worker) Counters() Counters {
	return Counters{
		Written: atomic.LoadInt64(&w.state.Written),
		Errors:  atomic.LoadInt64(&w.state.Errors),
		Paused:  atomic.LoadInt64(&w.state.Paused),
		Evicted: atomic.LoadInt64(&w.state.Evicted),
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer atomic.StoreInt32(&w.st, int32(StateStopped))

	for {
		seg, ok := w.cache.Dequeue()
		if !ok {
			return
		}

		if w.cache.Closed() && !w.drainOnClose {
			w.cache.Free(seg)
			w.log.Warnf("discarding segment %d on shutdown (drainOnClose=false)", seg.Sequence)
			continue
		}

		w.attempt(seg, w.cache.Closed())
	}
}

// attempt drives one dequeued segment through the plugin, retrying on
// PAUSE unless singleShot (draining, best-effort) forbids it.
func (w *Worker) attempt(seg *segment.Segment, singleShot bool) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	pause, err := w.plugin.WriteSegment(ctx, seg)

	switch {
	case err != nil:
		w.cache.Free(seg)
		atomic.AddInt64(&w.state.Errors, 1)
		w.log.Errorf("segment %d: writer error: %v", seg.Sequence, err)
		w.emit(Event{Kind: EventError, Sequence: seg.Sequence, Err: err})

	case pause && !singleShot:
		atomic.AddInt64(&w.state.Paused, 1)
		atomic.StoreInt32(&w.st, int32(StatePaused))
		w.log.Warnf("segment %d: writer requested pause, retrying", seg.Sequence)
		w.cache.Requeue(seg)
		w.emit(Event{Kind: EventPaused, Sequence: seg.Sequence})
		atomic.StoreInt32(&w.st, int32(StateRunning))

	default:
		if pause {
			w.log.Warnf("segment %d: writer paused during shutdown drain, dropping after one attempt", seg.Sequence)
			w.cache.Free(seg)
			return
		}
		atomic.AddInt64(&w.state.Written, 1)
		w.cache.Free(seg)
		w.emit(Event{Kind: EventWritten, Sequence: seg.Sequence})
	}
}

func (w *Worker) emit(ev Event) {
	if w.onEvent != nil {
		w.onEvent(ev)
	}
}

// Wait blocks until the worker loop exits or the timeout elapses. Used
// by the muxer's Close to honor writer_timeout as an upper bound on
// shutdown, per spec.md §5.
func (w *Worker) Wait(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
