// Package cache implements the segment cache: a bounded FIFO of closed
// segments shared between a single producer (the packet path) and a
// single consumer (the writer worker), per spec.md §4.4.
package cache

import (
	"sync"

	"github.com/opensight/cseg/internal/segment"
)

// Outcome reports what Enqueue did.
type Outcome int

// Enqueue outcomes.
const (
	OK Outcome = iota
	EvictedOldest
	Blocked
)

// Config configures a Cache's capacity and eviction discipline.
type Config struct {
	MaxSegments      int
	Nonblock         bool
	PreRecordingTime float64 // seconds; minimum retained duration
}

// Cache is a bounded, strictly-FIFO-by-sequence queue of closed segments.
//
// Capacity is checked against "occupancy": the number of segments still
// resident in the queue plus the one the writer worker currently has
// dequeued but not yet freed (in flight). A segment being written is not
// evictable, so when the queue itself is empty but a write is in flight,
// a non-blocking Enqueue is allowed to exceed the occupancy bound by
// exactly the one item it just accepted — the next Enqueue then evicts
// it. The resident queue (what Len/Peek report) therefore never exceeds
// MaxSegments, matching the §8 cache-bound invariant.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	segments []*segment.Segment
	inFlight int
	closed   bool

	evictions int64
}

// New allocates a Cache. cfg.MaxSegments must be >= 1.
func New(cfg Config) *Cache {
	c := &Cache{cfg: cfg}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	return c
}

func (c *Cache) occupancy() int {
	return len(c.segments) + c.inFlight
}

// canEvict reports whether there is a queued (not in-flight) segment
// whose eviction would not drop total retained duration below
// pre_recording_time. Must be called with mu held.
func (c *Cache) canEvict() bool {
	if len(c.segments) == 0 {
		return false
	}
	if c.cfg.PreRecordingTime <= 0 {
		return true
	}

	total := 0.0
	for _, s := range c.segments {
		total += s.Duration
	}
	remaining := total - c.segments[0].Duration
	return remaining >= c.cfg.PreRecordingTime
}

func (c *Cache) evictOldestLocked() {
	c.segments = c.segments[1:]
	c.evictions++
}

// Enqueue offers a newly closed segment to the cache. In blocking mode
// (the default) it suspends the caller while occupancy is at capacity and
// no queued segment is safely evictable, until room appears or Shutdown
// is called — this is the §8 backpressure law. In non-blocking mode it
// never blocks: a full cache evicts its oldest queued segment (ignoring
// the minimum-retention guard, which non-blocking mode is defined to
// override) to make room; if nothing is queued to evict because the only
// occupant is in flight, the segment is accepted anyway.
func (c *Cache) Enqueue(seg *segment.Segment) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Nonblock {
		out := OK
		if c.occupancy() >= c.cfg.MaxSegments && len(c.segments) > 0 {
			c.evictOldestLocked()
			out = EvictedOldest
		}
		c.segments = append(c.segments, seg)
		c.notEmpty.Signal()
		return out
	}

	blocked := false
	for c.occupancy() >= c.cfg.MaxSegments && !c.canEvict() && !c.closed {
		blocked = true
		c.notFull.Wait()
	}

	if c.closed {
		return Blocked
	}

	out := OK
	if c.occupancy() >= c.cfg.MaxSegments && len(c.segments) > 0 {
		c.evictOldestLocked()
		out = EvictedOldest
	}

	c.segments = append(c.segments, seg)
	c.notEmpty.Signal()

	if blocked {
		return Blocked
	}
	return out
}

// Dequeue blocks until a segment is available or Shutdown is called. The
// returned segment is marked in flight: it still counts against capacity
// until Free or Requeue is called. ok is false only on shutdown with an
// empty queue.
func (c *Cache) Dequeue() (seg *segment.Segment, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.segments) == 0 && !c.closed {
		c.notEmpty.Wait()
	}

	if len(c.segments) == 0 {
		return nil, false
	}

	seg = c.segments[0]
	c.segments = c.segments[1:]
	c.inFlight++
	return seg, true
}

// Free releases a segment dequeued earlier, after the writer has either
// durably written it or given up on it (ERROR). It makes room for the
// next producer Enqueue.
func (c *Cache) Free(*segment.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--
	c.notFull.Signal()
}

// Requeue puts a segment dequeued earlier back at the head of the queue,
// for the PAUSE retry path: the segment must not be freed and must be
// retried before any newer segment.
func (c *Cache) Requeue(seg *segment.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--
	c.segments = append([]*segment.Segment{seg}, c.segments...)
	c.notEmpty.Signal()
}

// Shutdown wakes every blocked producer and consumer. Dequeue calls drain
// the remaining segments first; once empty, Dequeue returns ok=false.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.notEmpty.Broadcast()
	c.notFull.Broadcast()
}

// Closed reports whether Shutdown has been called.
func (c *Cache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the current number of resident (not in-flight) segments.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segments)
}

// TotalDuration returns the sum of Duration across all resident segments.
func (c *Cache) TotalDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0.0
	for _, s := range c.segments {
		total += s.Duration
	}
	return total
}

// Evictions returns the number of oldest-segment evictions performed so far.
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Peek returns a snapshot of the currently resident segments, oldest
// first. Safe to call concurrently with Enqueue/Dequeue.
func (c *Cache) Peek() []*segment.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*segment.Segment, len(c.segments))
	copy(out, c.segments)
	return out
}
