package segment

import "github.com/opensight/cseg/internal/cerrs"

// ErrSegmentOverflow is returned when a single access unit cannot possibly
// fit within max_seg_size, regardless of how much of the current segment
// is already used.
var ErrSegmentOverflow = cerrs.ErrSegmentOverflow

// ErrNotStarted is returned for an access unit arriving before the first
// video IDR; it is benign and silently droppable by the caller (§4.3
// "First segment"), but must still be distinguishable from "accepted".
var ErrNotStarted = cerrs.ErrNotStarted
