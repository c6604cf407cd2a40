package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func h264Payload(types ...byte) []byte {
	var out []byte
	for _, t := range types {
		out = append(out, 0, 0, 0, 1, t)
	}
	return out
}

func streams() []Descriptor {
	return []Descriptor{{Index: 0, Kind: KindVideo, Codec: CodecH264}}
}

func TestAssemblerDropsAUsBeforeFirstIDR(t *testing.T) {
	var ready []*Segment
	a, err := NewAssembler(Config{TargetTime: 1}, streams(), func() float64 { return 0 }, func(s *Segment) error {
		ready = append(ready, s)
		return nil
	})
	require.NoError(t, err)

	require.ErrorIs(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 0, DTS: 0, IDR: false, Payload: h264Payload(1)}), ErrNotStarted)
	require.False(t, a.Started())
	require.Empty(t, ready)
}

func TestAssemblerOpensOnFirstIDR(t *testing.T) {
	a, err := NewAssembler(Config{TargetTime: 1, StartTS: 0}, streams(), func() float64 { return 0 }, func(*Segment) error { return nil })
	require.NoError(t, err)

	require.NoError(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 0, DTS: 0, IDR: true, Payload: h264Payload(5)}))
	require.True(t, a.Started())
}

func TestAssemblerClosesOnTargetTimeAtNextIDR(t *testing.T) {
	var closed []*Segment
	a, err := NewAssembler(Config{TargetTime: 1, StartTS: 0}, streams(), func() float64 { return 0 }, func(s *Segment) error {
		closed = append(closed, s)
		return nil
	})
	require.NoError(t, err)

	const ninetyKHzLocal = 90000
	require.NoError(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 0, DTS: 0, IDR: true, Payload: h264Payload(5)}))
	// not yet 1s: no close
	require.NoError(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: ninetyKHzLocal / 2, DTS: ninetyKHzLocal / 2, IDR: true, Payload: h264Payload(5)}))
	require.Empty(t, closed)

	// now past 1s: the next IDR closes the first segment
	require.NoError(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: ninetyKHzLocal * 2, DTS: ninetyKHzLocal * 2, IDR: true, Payload: h264Payload(5)}))
	require.Len(t, closed, 1)
	require.Equal(t, 0, closed[0].Sequence)
	require.True(t, closed[0].Final)

	// close the second segment too, so the adjacent-segment timing
	// invariant (spec.md §8: s_{k+1}.start_dts == s_k.next_dts) can be
	// checked against both boundaries.
	require.NoError(t, a.Close())
	require.Len(t, closed, 2)

	require.Equal(t, int64(ninetyKHzLocal*2), closed[0].NextDTS)
	require.Equal(t, closed[0].NextDTS, closed[1].StartDTS)
	require.InDelta(t, closed[0].StartTS+closed[0].Duration, closed[1].StartTS, 1e-6)
}

func TestAssemblerRejectsNonMonotonicDTS(t *testing.T) {
	a, err := NewAssembler(Config{TargetTime: 1, StartTS: 0}, streams(), func() float64 { return 0 }, func(*Segment) error { return nil })
	require.NoError(t, err)

	require.NoError(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 100, DTS: 100, IDR: true, Payload: h264Payload(5)}))
	err = a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 50, DTS: 50, IDR: false, Payload: h264Payload(1)})
	require.Error(t, err)
}

func TestAssemblerSegmentOverflowOnOversizedAU(t *testing.T) {
	a, err := NewAssembler(Config{TargetTime: 1, MaxSegSize: 16, StartTS: 0}, streams(), func() float64 { return 0 }, func(*Segment) error { return nil })
	require.NoError(t, err)

	big := make([]byte, 1024)
	err = a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 0, DTS: 0, IDR: true, Payload: append(h264Payload(5), big...)})
	require.ErrorIs(t, err, ErrSegmentOverflow)
}

func TestAssemblerCloseFlushesInProgressSegment(t *testing.T) {
	var closed []*Segment
	a, err := NewAssembler(Config{TargetTime: 10, StartTS: 0}, streams(), func() float64 { return 0 }, func(s *Segment) error {
		closed = append(closed, s)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, a.WriteAU(AccessUnit{StreamIndex: 0, PTS: 0, DTS: 0, IDR: true, Payload: h264Payload(5)}))
	require.Empty(t, closed)

	require.NoError(t, a.Close())
	require.Len(t, closed, 1)
	require.True(t, closed[0].Final)

	// idempotent
	require.NoError(t, a.Close())
	require.Len(t, closed, 1)
}

func TestAssemblerRejectsUnknownStream(t *testing.T) {
	a, err := NewAssembler(Config{TargetTime: 1}, streams(), func() float64 { return 0 }, func(*Segment) error { return nil })
	require.NoError(t, err)

	err = a.WriteAU(AccessUnit{StreamIndex: 5, PTS: 0, DTS: 0, IDR: true, Payload: h264Payload(5)})
	require.Error(t, err)
}

func TestNewAssemblerRequiresVideoStream(t *testing.T) {
	_, err := NewAssembler(Config{}, []Descriptor{{Index: 0, Kind: KindAudio, Codec: CodecAAC}}, func() float64 { return 0 }, func(*Segment) error { return nil })
	require.Error(t, err)
}
