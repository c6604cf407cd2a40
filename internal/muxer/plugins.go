package muxer

import (
	"time"

	"github.com/opensight/cseg/internal/conf"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/writer"
	"github.com/opensight/cseg/internal/writer/dummy"
	"github.com/opensight/cseg/internal/writer/file"
	"github.com/opensight/cseg/internal/writer/rest"
	"github.com/opensight/cseg/internal/writer/s3"
)

// DefaultRegistry builds a writer.Registry with every built-in plugin
// registered under its scheme, matching the Writer section of cfg for
// the plugins that need extra options beyond what their URL carries.
func DefaultRegistry(cfg *conf.Conf, log *logger.Logger) *writer.Registry {
	r := writer.NewRegistry()

	r.Register(file.New(log), file.Scheme)
	r.Register(dummy.New(log), dummy.Scheme)
	r.Register(rest.New(log, cfg.Writer.WriterRetries), rest.Scheme)
	r.Register(s3.New(log, s3.Options{
		MaxRetries: cfg.Writer.WriterRetries,
		RetryDelay: 200 * time.Millisecond,
	}), s3.Scheme)

	return r
}
