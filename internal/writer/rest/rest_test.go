package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensight/cseg/internal/cerrs"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

func testSegment(t *testing.T) *segment.Segment {
	t.Helper()

	var out *segment.Segment
	a, err := segment.NewAssembler(segment.Config{TargetTime: 10, StartTS: 1.5},
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

func TestWriteSegmentThreePhaseHappyPath(t *testing.T) {
	var uploaded []byte
	var lastFileNameSeen string
	var phase int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseForm())
			switch r.FormValue("op") {
			case "create":
				atomic.StoreInt32(&phase, 1)
				lastFileNameSeen = r.FormValue("last_file_name")
				w.Write([]byte(`{"name":"f1","uri":"http://` + r.Host + `/upload/f1"}`)) //nolint:errcheck
			case "save":
				atomic.StoreInt32(&phase, 3)
				w.Write([]byte(`{}`)) //nolint:errcheck
			}
		case http.MethodPut:
			atomic.StoreInt32(&phase, 2)
			b, _ := io.ReadAll(r.Body)
			uploaded = b
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	p := New(nil, 2)().(*Plugin)
	u, _ := url.Parse(srv.URL)
	require.NoError(t, p.Init(context.Background(), writer.PluginContext{URL: u}))

	seg := testSegment(t)
	pause, err := p.WriteSegment(context.Background(), seg)
	require.NoError(t, err)
	require.False(t, pause)
	require.Equal(t, int32(3), atomic.LoadInt32(&phase))
	require.Equal(t, seg.Bytes(), uploaded)
	require.Equal(t, "f1", p.lastFileName)
	require.Empty(t, lastFileNameSeen) // first call: no prior file

	// second call should thread lastFileName through
	_, err = p.WriteSegment(context.Background(), testSegment(t))
	require.NoError(t, err)
	require.Equal(t, "f1", lastFileNameSeen)
}

func TestWriteSegmentEmptyResponseMeansPause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := New(nil, 2)().(*Plugin)
	u, _ := url.Parse(srv.URL)
	require.NoError(t, p.Init(context.Background(), writer.PluginContext{URL: u}))

	pause, err := p.WriteSegment(context.Background(), testSegment(t))
	require.NoError(t, err)
	require.True(t, pause)
}

func TestStatusErrorMapping(t *testing.T) {
	require.NoError(t, statusError(200))
	require.ErrorIs(t, statusError(400), cerrs.ErrInvalidInput)
	require.ErrorIs(t, statusError(404), cerrs.ErrInvalidInput)
	require.ErrorIs(t, statusError(403), cerrs.ErrWriterRemote4xx)
	require.ErrorIs(t, statusError(503), cerrs.ErrWriterRemote5xx)
}
