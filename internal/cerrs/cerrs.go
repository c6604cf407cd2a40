// Package cerrs holds the sentinel error kinds of spec.md §7, shared by
// the muxer context and the writer plugins without creating an import
// cycle between them.
package cerrs

import "errors"

// Error kinds named in spec.md §7. NotStarted is benign (callers should
// treat it as a no-op, not a failure); WriterPause is not an error at
// all and is represented instead as the Plugin.WriteSegment pause bool.
var (
	ErrInvalidConfig   = errors.New("cseg: invalid configuration")
	ErrInvalidInput    = errors.New("cseg: invalid input")
	ErrNotStarted      = errors.New("cseg: not started")
	ErrSegmentOverflow = errors.New("cseg: segment overflow")
	ErrShuttingDown    = errors.New("cseg: shutting down")
	ErrWriterIO        = errors.New("cseg: writer i/o error")
	ErrWriterProtocol  = errors.New("cseg: writer protocol error")
	ErrWriterRemote4xx = errors.New("cseg: writer remote 4xx")
	ErrWriterRemote5xx = errors.New("cseg: writer remote 5xx")
	ErrOutOfMemory     = errors.New("cseg: out of memory")
	ErrInternal        = errors.New("cseg: internal error")
)
