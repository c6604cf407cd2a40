package file

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

func closedSegment(t *testing.T) *segment.Segment {
	t.Helper()

	var out *segment.Segment
	a, err := segment.NewAssembler(segment.Config{TargetTime: 10, StartTS: 0},
		[]segment.Descriptor{{Index: 0, Kind: segment.KindVideo, Codec: segment.CodecH264}},
		func() float64 { return 0 },
		func(s *segment.Segment) error { out = s; return nil },
	)
	require.NoError(t, err)

	require.NoError(t, a.WriteAU(segment.AccessUnit{
		StreamIndex: 0, PTS: 0, DTS: 0, IDR: true,
		Payload: append([]byte{0, 0, 0, 1, 0x67}, append([]byte{0, 0, 0, 1, 0x68}, []byte{0, 0, 0, 1, 0x65, 0xAA}...)...),
	}))
	require.NoError(t, a.Close())
	require.NotNil(t, out)
	return out
}

func TestFilePluginWritesSegmentToDisk(t *testing.T) {
	dir := t.TempDir()
	p := New(nil)()

	u, err := url.Parse("file://" + filepath.Join(dir, "seg-"))
	require.NoError(t, err)

	require.NoError(t, p.Init(context.Background(), writer.PluginContext{URL: u}))

	seg := closedSegment(t)
	pause, err := p.WriteSegment(context.Background(), seg)
	require.NoError(t, err)
	require.False(t, pause)

	out := filepath.Join(dir, "seg-0.ts")
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, seg.Size(), len(b))
}
