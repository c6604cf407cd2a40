// Command csegmuxd runs the cached segment muxer as a standalone daemon:
// it reads AU frames from stdin in a simple length-prefixed framing (see
// readFrames below), feeds them to a muxer.Context, and serves the
// introspection API alongside it.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fsnotify/fsnotify"

	"github.com/opensight/cseg/internal/cache"
	"github.com/opensight/cseg/internal/conf"
	"github.com/opensight/cseg/internal/hook"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/muxer"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/status"
	"github.com/opensight/cseg/internal/writer"
)

var version = "v0.0.0"

type cli struct {
	Config  string           `arg:"" optional:"" default:"csegmuxd.yml" help:"Path to the configuration file."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c, kong.Vars{"version": version})

	if err := run(c.Config); err != nil {
		fmt.Fprintln(os.Stderr, "csegmuxd:", err)
		kctx.Exit(1)
	}
}

func run(confPath string) error {
	cfg, _, err := conf.Load(confPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDestinations, cfg.LogFile, int64(cfg.LogFileMaxSize), cfg.LogFileRotateNum)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	log.Infof("csegmuxd %s starting, config=%s", version, confPath)

	runner := hook.NewRunner(cfg.RunOnSegment, log)

	var statusSrv *status.Server
	if !cfg.StatusDisable {
		statusSrv = status.New(log)
	}

	registry := muxer.DefaultRegistry(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// mc is captured by the observer closures below rather than an ID
	// string, since its ID is only known once Open returns; the
	// closures are first invoked later, from WritePacket, by which time
	// mc has been assigned.
	var mc *muxer.Context
	observer := muxer.SegmentObserver{
		OnSegment: func(seg *segment.Segment, _ cache.Outcome) {
			if statusSrv != nil {
				statusSrv.OnSegment(mc.ID, seg)
			}
			runner.Fire(hook.FromSegment(seg, cfg.Writer.Filename))
		},
		OnWriterEvent: func(ev writer.Event) {
			if statusSrv != nil {
				statusSrv.OnWriterEvent(mc.ID, ev)
			}
		},
	}

	mc, err = muxer.Open(ctx, cfg, registry, log, observer)
	if err != nil {
		return fmt.Errorf("open muxer: %w", err)
	}
	defer func() {
		if err := mc.Close(context.Background()); err != nil {
			log.Errorf("close muxer: %v", err)
		}
		runner.Wait()
	}()

	if statusSrv != nil {
		statusSrv.Track(mc)
		defer statusSrv.Untrack(mc)

		go func() {
			if err := statusSrv.Start(ctx, cfg.StatusAddress); err != nil {
				log.Errorf("status server: %v", err)
			}
		}()
	}

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr == nil {
		defer watcher.Close() //nolint:errcheck
		if err := watcher.Add(confPath); err != nil {
			log.Warnf("config watch disabled: %v", err)
			watcher = nil
		}
	} else {
		log.Warnf("config watch disabled: %v", watchErr)
		watcher = nil
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	feed := make(chan muxer.AU, 64)
	go readFrames(os.Stdin, feed, log)

	for {
		select {
		case au, ok := <-feed:
			if !ok {
				log.Infof("input closed, shutting down")
				return nil
			}
			if err := mc.WritePacket(au); err != nil {
				if errors.Is(err, muxer.ErrNotStarted) {
					log.Debugf("write packet: %v", err)
					continue
				}
				log.Errorf("write packet: %v", err)
			}

		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				applyLiveReload(confPath, cfg, log)
			}

		case s := <-sig:
			log.Infof("received %v, shutting down", s)
			return nil
		}
	}
}

// watcherEvents returns w.Events, or a permanently-blocking nil channel
// if watching is disabled.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// applyLiveReload re-reads confPath and copies writer_timeout and
// cseg_cache_time into the shared Conf. The open muxer's cache and
// writer worker keep the values they were built with at Open; of the
// two, only the shutdown wait in muxer.Context.Close reads the new
// writer_timeout. Everything else (stream layout, writer destination,
// cache size) is not reloaded at all.
func applyLiveReload(confPath string, cfg *conf.Conf, log *logger.Logger) {
	newCfg, _, err := conf.Load(confPath)
	if err != nil {
		log.Warnf("config reload: %v", err)
		return
	}

	cfg.Writer.WriterTimeout = newCfg.Writer.WriterTimeout
	cfg.CsegCacheTime = newCfg.CsegCacheTime
	log.Infof("config reloaded: writerTimeout=%s csegCacheTime=%s", cfg.Writer.WriterTimeout, cfg.CsegCacheTime)
}

// readFrames framing: a stream index byte, a big-endian PTS int64, a
// big-endian DTS int64 (-1 meaning "same as PTS"), an IDR flag byte, a
// big-endian uint32 payload length, then the payload itself. This is the
// only wire format this daemon understands; most deployments wire a
// capture pipeline into muxer.Context.WritePacket directly instead of
// going through stdin framing at all.
func readFrames(r io.Reader, out chan<- muxer.AU, log *logger.Logger) {
	defer close(out)

	var header [22]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err != io.EOF {
				log.Warnf("input framing: %v", err)
			}
			return
		}

		streamIndex := int(header[0])
		pts := int64(binary.BigEndian.Uint64(header[1:9]))
		dts := int64(binary.BigEndian.Uint64(header[9:17]))
		idr := header[17] != 0
		size := binary.BigEndian.Uint32(header[18:22])

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			log.Warnf("input framing: short payload: %v", err)
			return
		}

		au := muxer.AU{StreamIndex: streamIndex, PTS: pts, IDR: idr, Payload: payload}
		if dts != -1 {
			au.DTS = &dts
		}

		out <- au
	}
}
