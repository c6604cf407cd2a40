package segment

import (
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/opensight/cseg/internal/fragment"
	"github.com/opensight/cseg/internal/tsmux"
)

const ninetyKHz = 90000

// auOverhead is a conservative estimate of TS packetization overhead added
// to an access unit's raw payload length when deciding whether it could
// ever fit inside max_seg_size on its own.
const auOverhead = 4 * 188

// Config configures the boundary policy of an Assembler.
type Config struct {
	StartSequence int
	TargetTime    float64 // seconds
	MaxSegSize    int64   // bytes
	StartTS       float64 // seconds; -1 latches wall-clock at first IDR
	PSIPeriod     int
}

// Ready is called once per completed segment, synchronously, from the
// producer thread that called WriteAU. It must not block for long: the
// cache it typically hands off to is expected to apply backpressure on
// its own terms (§4.4), not here.
type Ready func(*Segment) error

// WallClock returns the current wall-clock time in seconds. Overridable
// in tests so the start_ts latch (§4.3, "First segment") is deterministic.
type WallClock func() float64

// Assembler turns validated access units into a sequence of closed
// Segments, handed off via Ready as each boundary is crossed.
type Assembler struct {
	cfg     Config
	streams map[int]Descriptor
	video   Descriptor
	audio   *Descriptor
	now     WallClock
	ready   Ready

	started    bool
	nextSeq    int
	lastDTS    map[int]int64
	lastVideoDTS int64
	sizeForced bool

	sps, pps []byte

	cur *Segment
	buf *fragment.Buffer
	enc *tsmux.Encoder
}

// NewAssembler allocates an Assembler for the given stream set. Exactly
// one video descriptor is required; at most one audio descriptor.
func NewAssembler(cfg Config, streams []Descriptor, now WallClock, ready Ready) (*Assembler, error) {
	a := &Assembler{
		cfg:     cfg,
		streams: make(map[int]Descriptor, len(streams)),
		now:     now,
		ready:   ready,
		nextSeq: cfg.StartSequence,
		lastDTS: make(map[int]int64),
	}

	haveVideo := false
	for _, s := range streams {
		a.streams[s.Index] = s
		switch s.Kind {
		case KindVideo:
			if haveVideo {
				return nil, fmt.Errorf("segment: more than one video stream configured")
			}
			haveVideo = true
			a.video = s
		case KindAudio:
			if a.audio != nil {
				return nil, fmt.Errorf("segment: more than one audio stream configured")
			}
			s := s
			a.audio = &s
		}
	}
	if !haveVideo {
		return nil, fmt.Errorf("segment: a video stream is required")
	}

	return a, nil
}

// Started reports whether the first IDR has been seen.
func (a *Assembler) Started() bool {
	return a.started
}

// WriteAU validates and routes one access unit. AUs before the first
// video IDR are dropped (§4.3 "First segment") and reported to the
// caller as the benign ErrNotStarted, not a hard failure.
func (a *Assembler) WriteAU(au AccessUnit) error {
	desc, ok := a.streams[au.StreamIndex]
	if !ok {
		return fmt.Errorf("segment: unknown stream index %d", au.StreamIndex)
	}

	if last, ok := a.lastDTS[au.StreamIndex]; ok && au.DTS < last {
		return fmt.Errorf("segment: non-monotonic DTS on stream %d: %d < %d", au.StreamIndex, au.DTS, last)
	}
	a.lastDTS[au.StreamIndex] = au.DTS

	isVideo := desc.Kind == KindVideo

	if !a.started {
		if !isVideo || !au.IDR {
			return ErrNotStarted
		}
		if err := a.open(au); err != nil {
			return err
		}
	}

	if isVideo && au.IDR && a.cur != nil {
		elapsed := float64(au.DTS-a.cur.StartDTS) / ninetyKHz
		if elapsed >= a.cfg.TargetTime || a.sizeForced {
			if err := a.closeAndOpen(au); err != nil {
				return err
			}
		}
	}

	estimate := int64(len(au.Payload)) + auOverhead
	if a.cfg.MaxSegSize > 0 && estimate > a.cfg.MaxSegSize {
		return ErrSegmentOverflow
	}
	if a.cfg.MaxSegSize > 0 && int64(a.cur.Size())+estimate > a.cfg.MaxSegSize {
		a.sizeForced = true
	}

	if isVideo {
		if err := a.writeVideo(au); err != nil {
			return err
		}
		a.lastVideoDTS = au.DTS
	} else {
		if err := a.writeAudio(au); err != nil {
			return err
		}
	}

	a.cur.NextDTS = a.lastVideoDTS
	a.cur.Duration = float64(a.cur.NextDTS-a.cur.StartDTS) / ninetyKHz
	a.cur.Final = false

	return nil
}

// Close closes the in-progress segment, even if it is under target
// duration, and hands it off via Ready. Idempotent: calling Close with no
// open segment is a no-op.
func (a *Assembler) Close() error {
	if a.cur == nil {
		return nil
	}
	seg := a.finish()
	a.cur = nil
	return a.ready(seg)
}

func (a *Assembler) open(first AccessUnit) error {
	startTS := a.cfg.StartTS
	if startTS < 0 {
		startTS = a.now()
	}

	a.cur = &Segment{
		Sequence: a.nextSeq,
		StartTS:  startTS,
		StartDTS: first.DTS,
		NextDTS:  first.DTS,
	}
	a.lastVideoDTS = first.DTS
	a.buf = fragment.NewBuffer()
	a.enc = tsmux.NewEncoder(a.buf, a.encoderParams())
	a.started = true

	return a.enc.WriteTables()
}

func (a *Assembler) closeAndOpen(next AccessUnit) error {
	// The old segment's NextDTS is end-exclusive and must equal the new
	// segment's StartDTS exactly (spec.md §8): both are the boundary AU's
	// own DTS, not whatever video AU was written last into the old segment.
	a.cur.NextDTS = next.DTS
	prev := a.finish()

	a.cur = &Segment{
		Sequence: a.nextSeq,
		StartTS:  prev.StartTS + prev.Duration,
		StartDTS: next.DTS,
		NextDTS:  next.DTS,
	}
	a.lastVideoDTS = next.DTS
	a.sizeForced = false
	a.buf = fragment.NewBuffer()
	a.enc = tsmux.NewEncoder(a.buf, a.encoderParams())

	if err := a.enc.WriteTables(); err != nil {
		return err
	}

	return a.ready(prev)
}

// finish freezes a.cur (size, duration already current) and bumps the
// sequence counter for the next segment.
func (a *Assembler) finish() *Segment {
	seg := a.cur
	seg.Duration = float64(seg.NextDTS-seg.StartDTS) / ninetyKHz
	seg.Final = true
	seg.buf = a.buf
	a.nextSeq++
	return seg
}

func (a *Assembler) encoderParams() tsmux.Params {
	p := tsmux.Params{PSIPeriod: a.cfg.PSIPeriod}
	if a.audio != nil {
		p.HasAudio = true
		p.SampleRate = a.audio.SampleRate
		p.ChannelCount = a.audio.ChannelCount
		if a.audio.Codec == CodecAACWithADTS {
			p.AudioCodec = tsmux.AudioCodecAACWithADTS
		} else {
			p.AudioCodec = tsmux.AudioCodecAAC
		}
	}
	return p
}

func (a *Assembler) writeVideo(au AccessUnit) error {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(au.Payload); err != nil {
		return fmt.Errorf("segment: invalid Annex-B video access unit: %w", err)
	}

	nalus := make([][]byte, 0, len(annexB))
	for _, nalu := range annexB {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			a.sps = nalu
			continue
		case h264.NALUTypePPS:
			a.pps = nalu
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		}
		nalus = append(nalus, nalu)
	}

	return a.enc.WriteVideoAU(au.DTS, au.PTS, au.IDR, a.sps, a.pps, nalus)
}

func (a *Assembler) writeAudio(au AccessUnit) error {
	return a.enc.WriteAudioAU(au.PTS, au.Payload)
}
