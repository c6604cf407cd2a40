package muxer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensight/cseg/internal/cache"
	"github.com/opensight/cseg/internal/cerrs"
	"github.com/opensight/cseg/internal/conf"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
	"github.com/opensight/cseg/internal/writer/dummy"
)

const ninetyKHz = 90000

func h264Payload(types ...byte) []byte {
	var out []byte
	for _, t := range types {
		out = append(out, 0, 0, 0, 1, t)
	}
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Error, nil, "", 0, 0)
	require.NoError(t, err)
	return l
}

func testConf(writerURL string) *conf.Conf {
	return &conf.Conf{
		CsegTime:     conf.StringDuration(time.Second),
		CsegListSize: 2,
		Streams:      []conf.StreamConf{{Codec: "h264"}},
		Writer:       conf.WriterConf{Filename: writerURL},
	}
}

// collector records every observer callback under a mutex, since
// OnSegment/OnWriterEvent may fire from different goroutines.
type collector struct {
	mu       sync.Mutex
	segments []cache.Outcome
	events   []writer.Event
}

func (c *collector) observer() SegmentObserver {
	return SegmentObserver{
		OnSegment: func(_ *segment.Segment, outcome cache.Outcome) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.segments = append(c.segments, outcome)
		},
		OnWriterEvent: func(ev writer.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, ev)
		},
	}
}

func (c *collector) eventCount(kind writer.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func dummyRegistry(log *logger.Logger) *writer.Registry {
	r := writer.NewRegistry()
	r.Register(dummy.New(log), dummy.Scheme)
	return r
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := &conf.Conf{} // no streams, no writer filename
	_, err := Open(context.Background(), cfg, dummyRegistry(nil), testLogger(t), SegmentObserver{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpenRejectsUnknownWriterScheme(t *testing.T) {
	cfg := testConf("ftp://example.com/x")
	_, err := Open(context.Background(), cfg, dummyRegistry(nil), testLogger(t), SegmentObserver{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLifecycleOpenWriteClose(t *testing.T) {
	log := testLogger(t)
	cfg := testConf("dummy://discard")
	var col collector

	mc, err := Open(context.Background(), cfg, dummyRegistry(log), log, col.observer())
	require.NoError(t, err)
	require.Equal(t, StateOpen, mc.State())

	require.NoError(t, mc.WritePacket(AU{StreamIndex: 0, PTS: 0, IDR: true, Payload: h264Payload(5)}))
	require.Equal(t, StateWriting, mc.State())

	// advance past target_time so the next IDR closes the first segment
	require.NoError(t, mc.WritePacket(AU{StreamIndex: 0, PTS: ninetyKHz * 2, IDR: true, Payload: h264Payload(5)}))

	require.Eventually(t, func() bool {
		return col.eventCount(writer.EventWritten) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, mc.Close(context.Background()))
	require.Equal(t, StateClosed, mc.State())

	// idempotent: second Close does no extra work and returns the same result
	require.NoError(t, mc.Close(context.Background()))

	col.mu.Lock()
	defer col.mu.Unlock()
	require.NotEmpty(t, col.segments)
	require.Equal(t, cache.OK, col.segments[0])
}

func TestWritePacketSurfacesNotStartedBeforeFirstIDR(t *testing.T) {
	log := testLogger(t)
	mc, err := Open(context.Background(), testConf("dummy://discard"), dummyRegistry(log), log, SegmentObserver{})
	require.NoError(t, err)
	defer mc.Close(context.Background()) //nolint:errcheck

	err = mc.WritePacket(AU{StreamIndex: 0, PTS: 0, IDR: false, Payload: h264Payload(1)})
	require.ErrorIs(t, err, ErrNotStarted)
	require.Equal(t, StateOpen, mc.State())
}

func TestWritePacketRejectsUnknownStream(t *testing.T) {
	log := testLogger(t)
	mc, err := Open(context.Background(), testConf("dummy://discard"), dummyRegistry(log), log, SegmentObserver{})
	require.NoError(t, err)
	defer mc.Close(context.Background()) //nolint:errcheck

	err = mc.WritePacket(AU{StreamIndex: 7, PTS: 0, IDR: true, Payload: h264Payload(5)})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestWritePacketSurfacesSegmentOverflow(t *testing.T) {
	log := testLogger(t)
	cfg := testConf("dummy://discard")
	cfg.CsegSegSize = 16

	mc, err := Open(context.Background(), cfg, dummyRegistry(log), log, SegmentObserver{})
	require.NoError(t, err)
	defer mc.Close(context.Background()) //nolint:errcheck

	big := make([]byte, 1024)
	err = mc.WritePacket(AU{StreamIndex: 0, PTS: 0, IDR: true, Payload: append(h264Payload(5), big...)})
	require.ErrorIs(t, err, ErrSegmentOverflow)
}

func TestWritePacketRejectsAfterClose(t *testing.T) {
	log := testLogger(t)
	mc, err := Open(context.Background(), testConf("dummy://discard"), dummyRegistry(log), log, SegmentObserver{})
	require.NoError(t, err)

	require.NoError(t, mc.Close(context.Background()))

	err = mc.WritePacket(AU{StreamIndex: 0, PTS: 0, IDR: true, Payload: h264Payload(5)})
	require.True(t, errors.Is(err, cerrs.ErrShuttingDown))
}

func TestCacheStatsAndPeekReflectOpenSegments(t *testing.T) {
	log := testLogger(t)
	cfg := testConf("dummy://discard")
	cfg.Flags.DrainOnClose = true

	mc, err := Open(context.Background(), cfg, dummyRegistry(log), log, SegmentObserver{})
	require.NoError(t, err)

	require.NoError(t, mc.WritePacket(AU{StreamIndex: 0, PTS: 0, IDR: true, Payload: h264Payload(5)}))
	require.NoError(t, mc.WritePacket(AU{StreamIndex: 0, PTS: ninetyKHz * 2, IDR: true, Payload: h264Payload(5)}))

	require.Eventually(t, func() bool {
		n, _, _ := mc.CacheStats()
		return n >= 0 // the writer may already have drained it; just exercise the accessor
	}, time.Second, time.Millisecond)

	_ = mc.Peek()
	require.NoError(t, mc.Close(context.Background()))
}
