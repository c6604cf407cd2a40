// Package status exposes a read-only introspection surface for a muxer
// Context: a gin HTTP API for point-in-time queries, a websocket feed of
// segment/writer lifecycle events, and a Prometheus /metrics endpoint.
// It is not a playback surface: no HLS playlist or segment download
// route is served here, per spec.md's Non-goals.
package status

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/muxer"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

// segmentSummary is the JSON shape of one cached segment in /segments.
type segmentSummary struct {
	Sequence int     `json:"sequence"`
	StartTS  float64 `json:"startTs"`
	Duration float64 `json:"duration"`
	Size     int     `json:"size"`
}

// contextSummary is the JSON shape of one open muxer in /muxers.
type contextSummary struct {
	ID             string  `json:"id"`
	State          string  `json:"state"`
	WriterState    string  `json:"writerState"`
	CachedSegments int     `json:"cachedSegments"`
	CachedDuration float64 `json:"cachedDuration"`
	Evictions      int64   `json:"evictions"`
	Written        int64   `json:"written"`
	Errors         int64   `json:"errors"`
	Paused         int64   `json:"paused"`
}

// eventMessage is the JSON shape pushed to every websocket subscriber.
type eventMessage struct {
	MuxerID string    `json:"muxerId"`
	Kind    string    `json:"kind"`
	Seq     int       `json:"sequence"`
	Err     string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

var writerStateNames = map[writer.State]string{
	writer.StateRunning: "running",
	writer.StatePaused:  "paused",
	writer.StateStopped: "stopped",
}

// metrics groups the Prometheus collectors registered by a Server. The
// writer counters are exposed as gauges, not counter vecs: their
// authoritative, monotonically-increasing values already live in
// writer.Counters, and pollMetrics only ever republishes the latest
// snapshot rather than observing individual increments.
type metrics struct {
	cachedSegments *prometheus.GaugeVec
	cachedDuration *prometheus.GaugeVec
	evictions      *prometheus.GaugeVec
	written        *prometheus.GaugeVec
	errors         *prometheus.GaugeVec
	paused         *prometheus.GaugeVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		cachedSegments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cseg_cached_segments", Help: "Number of segments currently resident in the cache.",
		}, []string{"muxer"}),
		cachedDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cseg_cached_duration_seconds", Help: "Total duration of segments currently resident in the cache.",
		}, []string{"muxer"}),
		evictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cseg_cache_evictions_total", Help: "Number of oldest-segment evictions performed so far.",
		}, []string{"muxer"}),
		written: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cseg_writer_segments_written_total", Help: "Number of segments successfully written.",
		}, []string{"muxer"}),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cseg_writer_errors_total", Help: "Number of segments dropped after a writer error.",
		}, []string{"muxer"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cseg_writer_pauses_total", Help: "Number of times the writer requested a pause/retry.",
		}, []string{"muxer"}),
	}
	reg.MustRegister(m.cachedSegments, m.cachedDuration, m.evictions, m.written, m.errors, m.paused)
	return m
}

// Server is the status/introspection HTTP+websocket server.
type Server struct {
	log      *logger.Logger
	upgrader websocket.Upgrader
	reg      *prometheus.Registry
	metrics  *metrics

	mu      sync.RWMutex
	muxers  map[string]*muxer.Context

	wsMu   sync.Mutex
	wsConn map[*websocket.Conn]chan eventMessage

	httpServer *http.Server
}

// New allocates a Server. Register muxer contexts with Track as they are
// opened and Untrack when they are closed.
func New(log *logger.Logger) *Server {
	reg := prometheus.NewRegistry()
	s := &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		reg:    reg,
		metrics: newMetrics(reg),
		muxers: make(map[string]*muxer.Context),
		wsConn: make(map[*websocket.Conn]chan eventMessage),
	}
	return s
}

// Track registers a muxer context for introspection until Untrack.
func (s *Server) Track(mc *muxer.Context) {
	s.mu.Lock()
	s.muxers[mc.ID] = mc
	s.mu.Unlock()
}

// Untrack removes a muxer context once it has closed.
func (s *Server) Untrack(mc *muxer.Context) {
	s.mu.Lock()
	delete(s.muxers, mc.ID)
	s.mu.Unlock()
}

// OnSegment pushes a "segment" websocket event for seg; it is meant to be
// called from a muxer.SegmentObserver.OnSegment callback. The gauges are
// updated separately, by pollMetrics.
func (s *Server) OnSegment(muxerID string, seg *segment.Segment) {
	s.broadcast(eventMessage{MuxerID: muxerID, Kind: "segment", Seq: seg.Sequence, Time: time.Now()})
}

// OnWriterEvent is a muxer.SegmentObserver.OnWriterEvent implementation.
func (s *Server) OnWriterEvent(muxerID string, ev writer.Event) {
	kind := map[writer.EventKind]string{
		writer.EventWritten: "written",
		writer.EventPaused:  "paused",
		writer.EventError:   "error",
		writer.EventEvicted: "evicted",
	}[ev.Kind]

	msg := eventMessage{MuxerID: muxerID, Kind: kind, Seq: ev.Sequence, Time: time.Now()}
	if ev.Err != nil {
		msg.Err = ev.Err.Error()
	}
	s.broadcast(msg)
}

// Start listens on address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, address string) error {
	router := gin.New()
	router.GET("/muxers", s.handleList)
	router.GET("/muxers/:id/segments", s.handleSegments)
	router.GET("/events", s.handleEvents)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))

	s.httpServer = &http.Server{Addr: address, Handler: router}

	go s.pollMetrics(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			for id, mc := range s.muxers {
				segs, dur, evictions := mc.CacheStats()
				counters := mc.WriterCounters()
				s.metrics.cachedSegments.WithLabelValues(id).Set(float64(segs))
				s.metrics.cachedDuration.WithLabelValues(id).Set(dur)
				s.metrics.evictions.WithLabelValues(id).Set(float64(evictions))
				s.metrics.written.WithLabelValues(id).Set(float64(counters.Written))
				s.metrics.errors.WithLabelValues(id).Set(float64(counters.Errors))
				s.metrics.paused.WithLabelValues(id).Set(float64(counters.Paused))
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) handleList(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contextSummary, 0, len(s.muxers))
	for id, mc := range s.muxers {
		segs, dur, evictions := mc.CacheStats()
		counters := mc.WriterCounters()
		out = append(out, contextSummary{
			ID:             id,
			State:          mc.State().String(),
			WriterState:    writerStateNames[mc.WriterState()],
			CachedSegments: segs,
			CachedDuration: dur,
			Evictions:      evictions,
			Written:        counters.Written,
			Errors:         counters.Errors,
			Paused:         counters.Paused,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) handleSegments(c *gin.Context) {
	s.mu.RLock()
	mc, ok := s.muxers[c.Param("id")]
	s.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such muxer"})
		return
	}

	segs := mc.Peek()
	out := make([]segmentSummary, 0, len(segs))
	for _, seg := range segs {
		out = append(out, segmentSummary{Sequence: seg.Sequence, StartTS: seg.StartTS, Duration: seg.Duration, Size: seg.Size()})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("status: websocket upgrade failed: %v", err)
		}
		return
	}

	ch := make(chan eventMessage, 64)
	s.wsMu.Lock()
	s.wsConn[conn] = ch
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConn, conn)
		s.wsMu.Unlock()
		conn.Close() //nolint:errcheck
	}()

	// The feed is one-directional, but the connection must still be read
	// from for its close/ping machinery to work.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for msg := range ch {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(msg eventMessage) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for conn, ch := range s.wsConn {
		select {
		case ch <- msg:
		default:
			if s.log != nil {
				s.log.Warnf("status: websocket client backpressured, dropping event")
			}
			_ = conn
		}
	}
}
