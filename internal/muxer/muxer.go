// Package muxer implements the cached segment muxer's lifecycle (C7): it
// wires together the segment assembler, the segment cache, and the
// writer worker behind the INIT -> OPEN -> WRITING -> CLOSING -> CLOSED
// state machine of spec.md §3.
package muxer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensight/cseg/internal/cache"
	"github.com/opensight/cseg/internal/cerrs"
	"github.com/opensight/cseg/internal/conf"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

// Re-exported error kinds so callers never need to import internal/cerrs
// directly, matching the reference muxer's single-header error surface
// (§7).
var (
	ErrInvalidConfig   = cerrs.ErrInvalidConfig
	ErrInvalidInput    = cerrs.ErrInvalidInput
	ErrNotStarted      = cerrs.ErrNotStarted
	ErrSegmentOverflow = cerrs.ErrSegmentOverflow
	ErrShuttingDown    = cerrs.ErrShuttingDown
)

// State is the muxer context's half of the parallel state machine in
// spec.md §3. The writer thread's half is writer.State.
type State int32

// Muxer context states.
const (
	StateInit State = iota
	StateOpen
	StateWriting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AU is one access unit submitted by the caller. DTS defaults to PTS
// when nil, matching sources (e.g. audio-only streams) that never
// reorder frames.
type AU struct {
	StreamIndex int
	PTS         int64
	DTS         *int64
	IDR         bool
	Payload     []byte
}

// SegmentObserver receives lifecycle notifications. Every method may be
// nil; Context treats a nil field as "no observer". Implementations must
// not block for long: OnSegment is called synchronously from the
// producer's WritePacket.
type SegmentObserver struct {
	// OnSegment fires once a segment is handed to the cache, after the
	// enqueue outcome (ok/evicted-oldest/blocked) is known.
	OnSegment func(seg *segment.Segment, outcome cache.Outcome)

	// OnWriterEvent fires for every writer-thread occurrence (written,
	// paused, error, evicted-while-in-flight is not applicable here).
	OnWriterEvent func(writer.Event)
}

// Context is one open muxer instance, the unit SPEC_FULL.md's status
// server enumerates and the CLI opens/closes.
type Context struct {
	ID  string
	cfg *conf.Conf
	log *logger.Logger

	asm    *segment.Assembler
	cache  *cache.Cache
	worker *writer.Worker
	plugin writer.Plugin

	observer SegmentObserver

	st        int32 // atomic State
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, resolves and initializes the writer plugin named
// by cfg.Writer.Filename against registry, and starts the writer worker
// and segment assembler. The returned Context is in StateOpen; it
// transitions to StateWriting on the first successfully-routed AU.
func Open(ctx context.Context, cfg *conf.Conf, registry *writer.Registry, log *logger.Logger, observer SegmentObserver) (*Context, error) {
	if err := cfg.CheckAndFillMissing(); err != nil {
		return nil, fmt.Errorf("%w: %v", cerrs.ErrInvalidConfig, err)
	}

	descriptors, err := streamDescriptors(cfg.Streams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cerrs.ErrInvalidConfig, err)
	}

	plugin, u, err := registry.Lookup(cfg.Writer.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cerrs.ErrInvalidConfig, err)
	}

	id := uuid.New().String()
	clog := log
	if log != nil {
		clog = log.WithPrefix(fmt.Sprintf("[muxer %s] ", id[:8]))
	}

	if err := plugin.Init(ctx, writer.PluginContext{
		URL:      u,
		Username: cfg.Writer.Username,
		Password: cfg.Writer.Password,
	}); err != nil {
		return nil, fmt.Errorf("%w: writer init: %v", cerrs.ErrInvalidConfig, err)
	}

	c := cache.New(cache.Config{
		MaxSegments:      cfg.CsegListSize,
		Nonblock:         cfg.Flags.Nonblock,
		PreRecordingTime: time.Duration(cfg.CsegCacheTime).Seconds(),
	})

	mc := &Context{
		ID:       id,
		cfg:      cfg,
		log:      clog,
		cache:    c,
		plugin:   plugin,
		observer: observer,
	}

	mc.worker = writer.NewWorker(c, plugin, clog, time.Duration(cfg.Writer.WriterTimeout), cfg.Flags.DrainOnClose, mc.onWriterEvent)

	asm, err := segment.NewAssembler(segment.Config{
		StartSequence: cfg.StartNumber,
		TargetTime:    time.Duration(cfg.CsegTime).Seconds(),
		MaxSegSize:    int64(cfg.CsegSegSize),
		StartTS:       cfg.StartTS,
		PSIPeriod:     cfg.CsegPSIPeriod,
	}, descriptors, wallClockSeconds, mc.onSegmentReady)
	if err != nil {
		plugin.Uninit(ctx)
		return nil, fmt.Errorf("%w: %v", cerrs.ErrInvalidConfig, err)
	}
	mc.asm = asm

	mc.worker.Start()
	atomic.StoreInt32(&mc.st, int32(StateOpen))

	clog.Infof("opened, writer=%s streams=%d csegTime=%s csegListSize=%d",
		u.Scheme, len(descriptors), time.Duration(cfg.CsegTime), cfg.CsegListSize)

	return mc, nil
}

// State returns the muxer context's current lifecycle state.
func (mc *Context) State() State {
	return State(atomic.LoadInt32(&mc.st))
}

// WriterState returns the writer thread's half of the state machine.
func (mc *Context) WriterState() writer.State {
	return mc.worker.State()
}

// WriterCounters returns a snapshot of the writer's OK/ERROR/PAUSE
// counters.
func (mc *Context) WriterCounters() writer.Counters {
	return mc.worker.Counters()
}

// CacheStats returns the current number of resident segments and their
// total duration, for the status server.
func (mc *Context) CacheStats() (segments int, duration float64, evictions int64) {
	return mc.cache.Len(), mc.cache.TotalDuration(), mc.cache.Evictions()
}

// Peek returns a snapshot of the currently cached segments.
func (mc *Context) Peek() []*segment.Segment {
	return mc.cache.Peek()
}

// WritePacket validates and routes one access unit through the segment
// assembler. It returns ErrShuttingDown once Close has been called,
// ErrNotStarted (benign) for an AU arriving before the first video IDR,
// ErrSegmentOverflow if the AU alone cannot fit within cseg_seg_size,
// and ErrInvalidInput for an unknown stream index or non-monotonic DTS.
func (mc *Context) WritePacket(au AU) error {
	if mc.State() == StateClosing || mc.State() == StateClosed {
		return cerrs.ErrShuttingDown
	}

	dts := au.PTS
	if au.DTS != nil {
		dts = *au.DTS
	}

	err := mc.asm.WriteAU(segment.AccessUnit{
		StreamIndex: au.StreamIndex,
		PTS:         au.PTS,
		DTS:         dts,
		IDR:         au.IDR,
		Payload:     au.Payload,
	})
	if err != nil {
		switch err {
		case segment.ErrNotStarted:
			return cerrs.ErrNotStarted
		case segment.ErrSegmentOverflow:
			return cerrs.ErrSegmentOverflow
		default:
			return fmt.Errorf("%w: %v", cerrs.ErrInvalidInput, err)
		}
	}

	if mc.asm.Started() {
		atomic.CompareAndSwapInt32(&mc.st, int32(StateOpen), int32(StateWriting))
	}

	return nil
}

// Close flushes the in-progress segment, stops accepting new input,
// shuts the cache down (draining it per cfg.Flags.DrainOnClose), waits
// up to writer_timeout for the writer thread to exit, and uninitializes
// the plugin. Close is idempotent; only the first call does any work and
// its error is remembered for subsequent calls.
func (mc *Context) Close(ctx context.Context) error {
	mc.closeOnce.Do(func() {
		atomic.StoreInt32(&mc.st, int32(StateClosing))

		if err := mc.asm.Close(); err != nil {
			mc.log.Errorf("flush on close: %v", err)
		}

		mc.cache.Shutdown()

		timeout := time.Duration(mc.cfg.Writer.WriterTimeout)
		if !mc.worker.Wait(timeout) {
			mc.log.Warnf("writer thread did not exit within %s", timeout)
			mc.closeErr = fmt.Errorf("%w: writer thread did not exit within %s", cerrs.ErrInternal, timeout)
		}

		mc.plugin.Uninit(ctx)
		atomic.StoreInt32(&mc.st, int32(StateClosed))
		mc.log.Infof("closed, written=%d errors=%d paused=%d",
			mc.worker.Counters().Written, mc.worker.Counters().Errors, mc.worker.Counters().Paused)
	})

	return mc.closeErr
}

func (mc *Context) onSegmentReady(seg *segment.Segment) error {
	outcome := mc.cache.Enqueue(seg)

	switch outcome {
	case cache.EvictedOldest:
		mc.log.Warnf("segment %d: cache full, evicted oldest segment", seg.Sequence)
	case cache.Blocked:
		mc.log.Warnf("segment %d: cache full, producer blocked until room freed", seg.Sequence)
	}

	if mc.observer.OnSegment != nil {
		mc.observer.OnSegment(seg, outcome)
	}

	return nil
}

func (mc *Context) onWriterEvent(ev writer.Event) {
	if mc.observer.OnWriterEvent != nil {
		mc.observer.OnWriterEvent(ev)
	}
}

func wallClockSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func streamDescriptors(streams []conf.StreamConf) ([]segment.Descriptor, error) {
	out := make([]segment.Descriptor, 0, len(streams))
	for i, s := range streams {
		d := segment.Descriptor{Index: i, SampleRate: s.SampleRate, ChannelCount: s.ChannelCount}
		switch s.Codec {
		case "h264":
			d.Kind = segment.KindVideo
			d.Codec = segment.CodecH264
		case "aac":
			d.Kind = segment.KindAudio
			d.Codec = segment.CodecAAC
		case "aac-adts":
			d.Kind = segment.KindAudio
			d.Codec = segment.CodecAACWithADTS
		default:
			return nil, fmt.Errorf("muxer: unsupported stream codec %q", s.Codec)
		}
		out = append(out, d)
	}
	return out, nil
}
