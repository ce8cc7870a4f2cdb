package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time view of a pipeline.
type Stats struct {
	State           string  `cbor:"state" json:"state"`
	FramesCaptured  uint64  `cbor:"frames_captured" json:"frames_captured"`
	FramesEncoded   uint64  `cbor:"frames_encoded" json:"frames_encoded"`
	FramesPublished uint64  `cbor:"frames_published" json:"frames_published"`
	FramesDropped   uint64  `cbor:"frames_dropped" json:"frames_dropped"`
	CaptureErrors   uint64  `cbor:"capture_errors" json:"capture_errors"`
	EncodeErrors    uint64  `cbor:"encode_errors" json:"encode_errors"`
	Subscribers     int     `cbor:"subscribers" json:"subscribers"`
	Lagged          uint64  `cbor:"lagged" json:"lagged"`
	AvgEncodeMs     float64 `cbor:"avg_encode_ms" json:"avg_encode_ms"`
	AvgLatencyMs    float64 `cbor:"avg_latency_ms" json:"avg_latency_ms"`
	IntervalMs      float64 `cbor:"interval_ms" json:"interval_ms"`
	UptimeSeconds   float64 `cbor:"uptime_seconds" json:"uptime_seconds"`
}

type counters struct {
	started time.Time

	captured      atomic.Uint64
	encoded       atomic.Uint64
	dropped       atomic.Uint64
	captureErrors atomic.Uint64
	encodeErrors  atomic.Uint64
	interval      atomic.Int64

	mu           sync.Mutex
	published    uint64
	encodeTotal  time.Duration
	latencyTotal time.Duration
}

func newCounters() *counters {
	return &counters{started: time.Now()}
}

func (c *counters) setInterval(d time.Duration) { c.interval.Store(int64(d)) }

func (c *counters) observe(encode, latency time.Duration) {
	c.mu.Lock()
	c.published++
	c.encodeTotal += encode
	c.latencyTotal += latency
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	s := Stats{
		FramesCaptured: c.captured.Load(),
		FramesEncoded:  c.encoded.Load(),
		FramesDropped:  c.dropped.Load(),
		CaptureErrors:  c.captureErrors.Load(),
		EncodeErrors:   c.encodeErrors.Load(),
		IntervalMs:     float64(c.interval.Load()) / float64(time.Millisecond),
		UptimeSeconds:  time.Since(c.started).Seconds(),
	}
	c.mu.Lock()
	s.FramesPublished = c.published
	if c.published > 0 {
		n := float64(c.published)
		s.AvgEncodeMs = float64(c.encodeTotal) / n / float64(time.Millisecond)
		s.AvgLatencyMs = float64(c.latencyTotal) / n / float64(time.Millisecond)
	}
	c.mu.Unlock()
	return s
}
