package segment

import "github.com/opensight/cseg/internal/fragment"

// Segment is a closed, immutable chain of TS bytes plus the timing
// metadata spec.md §3 requires. A Segment is never appended to once it
// leaves the assembler.
type Segment struct {
	Sequence int
	StartTS  float64 // seconds, wall-clock timeline
	StartDTS int64   // 90 kHz
	NextDTS  int64   // 90 kHz, end-exclusive
	Duration float64 // seconds, == (NextDTS-StartDTS)/90000
	Final    bool

	buf *fragment.Buffer
}

// Size returns the number of payload bytes written so far.
func (s *Segment) Size() int {
	return s.buf.Size()
}

// Bytes copies the whole segment into one contiguous slice.
func (s *Segment) Bytes() []byte {
	return s.buf.Bytes()
}

// Pages streams the segment's fragment pages without copying.
func (s *Segment) Pages(fn func(p []byte)) {
	s.buf.Pages(fn)
}
