// Package dummy implements the dummy:// writer plugin: it logs and
// discards every segment, per the original cseg_dummy_writer.c (§E.6).
package dummy

import (
	"context"

	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

// Scheme is the URL scheme this plugin handles.
const Scheme = "dummy"

// Plugin discards every segment after logging its metadata.
type Plugin struct {
	log *logger.Logger
}

// New returns a writer.Factory for this plugin. log may be nil.
func New(log *logger.Logger) writer.Factory {
	return func() writer.Plugin {
		return &Plugin{log: log}
	}
}

// Init implements writer.Plugin.
func (p *Plugin) Init(context.Context, writer.PluginContext) error {
	return nil
}

// WriteSegment implements writer.Plugin.
func (p *Plugin) WriteSegment(_ context.Context, seg *segment.Segment) (bool, error) {
	if p.log != nil {
		p.log.Infof("discarding segment %d: %d bytes, start=%.3f duration=%.3f",
			seg.Sequence, seg.Size(), seg.StartTS, seg.Duration)
	}
	return false, nil
}

// Uninit implements writer.Plugin.
func (p *Plugin) Uninit(context.Context) {}
