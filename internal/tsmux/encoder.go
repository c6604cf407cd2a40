// Package tsmux turns access units into an MPEG-TS elementary bitstream:
// PAT/PMT, PES framing, PCR insertion and continuity counters, via
// github.com/asticode/go-astits.
package tsmux

import (
	"context"
	"fmt"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
)

// PIDs and table IDs fixed by the wire contract this muxer implements.
const (
	PMTPID   = 0x0FF0
	VideoPID = 0x1000
	AudioPID = 0x1001

	videoStreamID = 0xE0
	audioStreamID = 0xC0
)

// AudioCodec selects how audio access units are framed.
type AudioCodec int

const (
	// AudioCodecAAC synthesizes an ADTS header from SampleRate/ChannelCount.
	AudioCodecAAC AudioCodec = iota
	// AudioCodecAACWithADTS expects the caller's payload to already carry
	// an ADTS header; only its frame-length field is corrected.
	AudioCodecAACWithADTS
)

// Params configures the elementary streams of an Encoder.
type Params struct {
	HasAudio     bool
	AudioCodec   AudioCodec
	SampleRate   int
	ChannelCount int

	// PSIPeriod re-emits PAT/PMT every N video access units within a
	// segment, in addition to the mandatory emission at segment start.
	// 0 disables periodic re-emission.
	PSIPeriod int
}

// Sink receives encoded TS bytes; the fragment buffer implements it.
type Sink interface {
	Write(p []byte) (int, error)
}

// Encoder writes one segment's worth of TS packets to a Sink.
type Encoder struct {
	params Params
	mux    *astits.Muxer

	videoAUCount int
}

// NewEncoder allocates an Encoder bound to sink for the lifetime of one
// segment. A fresh Encoder is created per segment so that PAT/PMT/CC state
// never leaks across a segment boundary.
func NewEncoder(sink Sink, params Params) *Encoder {
	e := &Encoder{params: params}

	e.mux = astits.NewMuxer(context.Background(), sink, astits.MuxerOptPMTPID(PMTPID))

	e.mux.AddElementaryStream(astits.PMTElementaryStream{ //nolint:errcheck
		ElementaryPID: VideoPID,
		StreamType:    astits.StreamTypeH264Video,
	})

	if params.HasAudio {
		e.mux.AddElementaryStream(astits.PMTElementaryStream{ //nolint:errcheck
			ElementaryPID: AudioPID,
			StreamType:    astits.StreamTypeAACAudio,
		})
	}

	e.mux.SetPCRPID(VideoPID)

	return e
}

// WriteTables forces a PAT/PMT burst; called at segment start and,
// when PSIPeriod > 0, periodically afterward.
func (e *Encoder) WriteTables() error {
	return e.mux.WriteTables()
}

// WriteVideoAU writes one H.264 access unit. nalus must not include an
// access-unit delimiter, SPS or PPS; sps/pps are prepended automatically
// before an IDR.
func (e *Encoder) WriteVideoAU(dts, pts int64, idr bool, sps, pps []byte, nalus [][]byte) error {
	aud := byte(0x30)
	if idr {
		aud = 0x10
	}

	framed := make([][]byte, 0, len(nalus)+3)
	framed = append(framed, []byte{byte(h264.NALUTypeAccessUnitDelimiter), aud})

	if idr {
		if len(sps) > 0 {
			framed = append(framed, sps)
		}
		if len(pps) > 0 {
			framed = append(framed, pps)
		}
	}

	framed = append(framed, nalus...)

	enc, err := h264.AnnexB(framed).Marshal()
	if err != nil {
		return fmt.Errorf("encoding access unit: %w", err)
	}

	af := &astits.PacketAdaptationField{}
	if idr {
		af.RandomAccessIndicator = true
	}
	af.HasPCR = true
	af.PCR = &astits.ClockReference{Base: dts}

	oh := &astits.PESOptionalHeader{MarkerBits: 2}
	if dts == pts {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorOnlyPTS
		oh.PTS = &astits.ClockReference{Base: pts}
	} else {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		oh.DTS = &astits.ClockReference{Base: dts}
		oh.PTS = &astits.ClockReference{Base: pts}
	}

	_, err = e.mux.WriteData(&astits.MuxerData{
		PID:             VideoPID,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: oh,
				StreamID:       videoStreamID,
			},
			Data: enc,
		},
	})
	if err != nil {
		return err
	}

	e.videoAUCount++
	if e.params.PSIPeriod > 0 && e.videoAUCount%e.params.PSIPeriod == 0 {
		if err := e.WriteTables(); err != nil {
			return err
		}
	}

	return nil
}

// WriteAudioAU writes one AAC access unit. payload is a raw AU for
// AudioCodecAAC, or an ADTS-framed AU for AudioCodecAACWithADTS.
func (e *Encoder) WriteAudioAU(pts int64, payload []byte) error {
	enc, err := e.frameAudio(payload)
	if err != nil {
		return err
	}

	_, err = e.mux.WriteData(&astits.MuxerData{
		PID: AudioPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: true,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts},
				},
				PacketLength: uint16(len(enc) + 8),
				StreamID:     audioStreamID,
			},
			Data: enc,
		},
	})
	return err
}

func (e *Encoder) frameAudio(payload []byte) ([]byte, error) {
	switch e.params.AudioCodec {
	case AudioCodecAACWithADTS:
		return patchADTSFrameLength(payload)

	default:
		pkts := mpeg4audio.ADTSPackets{
			{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   e.params.SampleRate,
				ChannelCount: e.params.ChannelCount,
				AU:           payload,
			},
		}
		return pkts.Marshal()
	}
}

// patchADTSFrameLength corrects the 13-bit frame-length field (bytes 3-5)
// of an existing ADTS header to the frame's total length (header plus
// payload), the way the original IVR muxer repairs AAC-with-ADTS input
// before repacketizing it.
func patchADTSFrameLength(frame []byte) ([]byte, error) {
	if len(frame) < 7 {
		return nil, fmt.Errorf("adts frame too short: %d bytes", len(frame))
	}

	out := make([]byte, len(frame))
	copy(out, frame)

	n := len(out)
	if n >= 1<<13 {
		return nil, fmt.Errorf("adts frame too large: %d bytes", n)
	}

	out[3] = (out[3] & 0xFC) | byte(n>>11)
	out[4] = byte(n >> 3)
	out[5] = (out[5] & 0x1F) | byte(n<<5)

	return out, nil
}
