// Package file implements the file:// writer plugin: it writes each
// segment to its own file under the path named by the filename URL,
// numbered by sequence.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

// Scheme is the URL scheme this plugin handles.
const Scheme = "file"

// Plugin writes segments as files named "<base><sequence>.ts" inside a
// directory. base is the URL's path with any trailing ".ts" stripped.
type Plugin struct {
	log *logger.Logger
	dir string
	base string
}

// New returns a writer.Factory for this plugin. log may be nil.
func New(log *logger.Logger) writer.Factory {
	return func() writer.Plugin {
		return &Plugin{log: log}
	}
}

// Init implements writer.Plugin.
func (p *Plugin) Init(_ context.Context, pc writer.PluginContext) error {
	path := pc.URL.Path
	if path == "" {
		path = pc.URL.Opaque
	}
	if path == "" {
		return fmt.Errorf("file writer: empty path")
	}

	p.dir = filepath.Dir(path)
	p.base = strings.TrimSuffix(filepath.Base(path), ".ts")

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("file writer: %w", err)
	}

	return nil
}

// WriteSegment implements writer.Plugin.
func (p *Plugin) WriteSegment(_ context.Context, seg *segment.Segment) (bool, error) {
	name := filepath.Join(p.dir, fmt.Sprintf("%s%d.ts", p.base, seg.Sequence))

	f, err := os.Create(name)
	if err != nil {
		return false, fmt.Errorf("file writer: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var writeErr error
	seg.Pages(func(page []byte) {
		if writeErr != nil {
			return
		}
		_, writeErr = f.Write(page)
	})
	if writeErr != nil {
		return false, fmt.Errorf("file writer: %w", writeErr)
	}

	if p.log != nil {
		p.log.Infof("wrote %s (%d bytes, %.2fs)", name, seg.Size(), seg.Duration)
	}

	return false, nil
}

// Uninit implements writer.Plugin.
func (p *Plugin) Uninit(context.Context) {}
