package tsmux

import (
	"bytes"
	"context"
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/require"
)

type buf struct {
	bytes.Buffer
}

func TestEncoderVideoOnlyFirstPacketIsPAT(t *testing.T) {
	var b buf
	e := NewEncoder(&b, Params{})

	require.NoError(t, e.WriteTables())
	require.NoError(t, e.WriteVideoAU(0, 0, true, []byte{0x67, 0x01}, []byte{0x68, 0x02}, [][]byte{{0x65, 0xAA}}))

	require.Equal(t, byte(0x47), b.Bytes()[0])

	dm := astits.NewDemuxer(context.Background(), bytes.NewReader(b.Bytes()))

	pkt, err := dm.NextPacket()
	require.NoError(t, err)
	require.Equal(t, uint16(0), pkt.Header.PID)
}

func TestPatchADTSFrameLength(t *testing.T) {
	frame := make([]byte, 7+10)
	frame[3] = 0xF0
	frame[5] = 0x1F

	out, err := patchADTSFrameLength(frame)
	require.NoError(t, err)

	n := len(frame)
	got := (int(out[3]&0x03) << 11) | (int(out[4]) << 3) | (int(out[5]) >> 5)
	require.Equal(t, n, got)
}
