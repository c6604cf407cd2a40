package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensight/cseg/internal/segment"
)

type nopPlugin struct{}

func (nopPlugin) Init(context.Context, PluginContext) error                      { return nil }
func (nopPlugin) WriteSegment(context.Context, *segment.Segment) (bool, error) { return false, nil }
func (nopPlugin) Uninit(context.Context)                                         {}

func TestRegistryLookupResolvesScheme(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Plugin { return nopPlugin{} }, "file")

	p, u, err := r.Lookup("file:///tmp/seg-")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "file", u.Scheme)
}

func TestRegistryLookupUnknownScheme(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Lookup("ftp://example.com/x")
	require.Error(t, err)
}

func TestRegistryFactoryReturnsFreshInstancePerLookup(t *testing.T) {
	r := NewRegistry()
	n := 0
	r.Register(func() Plugin { n++; return nopPlugin{} }, "dummy")

	_, _, err := r.Lookup("dummy://a")
	require.NoError(t, err)
	_, _, err = r.Lookup("dummy://b")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
