package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives delivery and scheduling observations. Implementations must
// be safe for concurrent use; callers treat every method as fire-and-forget.
type Sink interface {
	ReliableSent()
	ReliableAcked(latency time.Duration)
	ReliableFailed()
	ReliableRetry()
	Dispatched(priority string)
	Dropped(reason string)
	QueueDepth(n int)
	FrameDecoded()
	FrameSkipped()
}

var (
	registerOnce sync.Once

	reliableOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshboard",
			Subsystem: "link",
			Name:      "reliable_total",
			Help:      "Reliable delivery outcomes.",
		},
		[]string{"outcome"},
	)
	ackLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meshboard",
			Subsystem: "link",
			Name:      "ack_latency_seconds",
			Help:      "Round-trip latency of acknowledged reliable sends.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)
	schedDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshboard",
			Subsystem: "sched",
			Name:      "dispatched_total",
			Help:      "Envelopes handed to the writer.",
		},
		[]string{"priority"},
	)
	schedDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshboard",
			Subsystem: "sched",
			Name:      "dropped_total",
			Help:      "Envelopes dropped before dispatch.",
		},
		[]string{"reason"},
	)
	schedDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshboard",
			Subsystem: "sched",
			Name:      "queue_depth",
			Help:      "Current scheduler queue depth.",
		},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshboard",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Inbound frames by decode result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			reliableOutcomes, ackLatency,
			schedDispatched, schedDropped, schedDepth,
			framesDecoded,
		)
	})
}

// PromSink exports observations through the process-wide prometheus registry.
type PromSink struct{}

func NewPromSink() PromSink {
	RegisterMetrics()
	return PromSink{}
}

func (PromSink) ReliableSent()   { reliableOutcomes.WithLabelValues("sent").Inc() }
func (PromSink) ReliableFailed() { reliableOutcomes.WithLabelValues("failed").Inc() }
func (PromSink) ReliableRetry()  { reliableOutcomes.WithLabelValues("retry").Inc() }
func (PromSink) ReliableAcked(latency time.Duration) {
	reliableOutcomes.WithLabelValues("acked").Inc()
	ackLatency.Observe(latency.Seconds())
}
func (PromSink) Dispatched(priority string) { schedDispatched.WithLabelValues(priority).Inc() }
func (PromSink) Dropped(reason string)      { schedDropped.WithLabelValues(reason).Inc() }
func (PromSink) QueueDepth(n int)           { schedDepth.Set(float64(n)) }
func (PromSink) FrameDecoded()              { framesDecoded.WithLabelValues("ok").Inc() }
func (PromSink) FrameSkipped()              { framesDecoded.WithLabelValues("skipped").Inc() }

// Counters is a plain atomic Sink. It backs the /stats endpoint and tests,
// where scraping a registry is overkill.
type Counters struct {
	sent, acked, failed, retries atomic.Uint64
	dispatched, dropped          atomic.Uint64
	framesOK, framesSkipped      atomic.Uint64
	latencySumMS, latencyCount   atomic.Uint64
	depth                        atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) ReliableSent()   { c.sent.Add(1) }
func (c *Counters) ReliableFailed() { c.failed.Add(1) }
func (c *Counters) ReliableRetry()  { c.retries.Add(1) }
func (c *Counters) ReliableAcked(latency time.Duration) {
	c.acked.Add(1)
	c.latencySumMS.Add(uint64(latency.Milliseconds()))
	c.latencyCount.Add(1)
}
func (c *Counters) Dispatched(string) { c.dispatched.Add(1) }
func (c *Counters) Dropped(string)    { c.dropped.Add(1) }
func (c *Counters) QueueDepth(n int)  { c.depth.Store(int64(n)) }
func (c *Counters) FrameDecoded()     { c.framesOK.Add(1) }
func (c *Counters) FrameSkipped()     { c.framesSkipped.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ReliableSent    uint64 `json:"reliable_sent"`
	ReliableAcked   uint64 `json:"reliable_acked"`
	ReliableFailed  uint64 `json:"reliable_failed"`
	ReliableRetries uint64 `json:"reliable_retries"`
	Dispatched      uint64 `json:"dispatched"`
	Dropped         uint64 `json:"dropped"`
	FramesDecoded   uint64 `json:"frames_decoded"`
	FramesSkipped   uint64 `json:"frames_skipped"`
	QueueDepth      int64  `json:"queue_depth"`
	AckLatencyAvgMS uint64 `json:"ack_latency_avg_ms"`
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		ReliableSent:    c.sent.Load(),
		ReliableAcked:   c.acked.Load(),
		ReliableFailed:  c.failed.Load(),
		ReliableRetries: c.retries.Load(),
		Dispatched:      c.dispatched.Load(),
		Dropped:         c.dropped.Load(),
		FramesDecoded:   c.framesOK.Load(),
		FramesSkipped:   c.framesSkipped.Load(),
		QueueDepth:      c.depth.Load(),
	}
	if n := c.latencyCount.Load(); n > 0 {
		s.AckLatencyAvgMS = c.latencySumMS.Load() / n
	}
	return s
}

// Fanout duplicates observations to every sink.
type Fanout []Sink

func (f Fanout) ReliableSent() {
	for _, s := range f {
		s.ReliableSent()
	}
}

func (f Fanout) ReliableAcked(latency time.Duration) {
	for _, s := range f {
		s.ReliableAcked(latency)
	}
}

func (f Fanout) ReliableFailed() {
	for _, s := range f {
		s.ReliableFailed()
	}
}

func (f Fanout) ReliableRetry() {
	for _, s := range f {
		s.ReliableRetry()
	}
}

func (f Fanout) Dispatched(priority string) {
	for _, s := range f {
		s.Dispatched(priority)
	}
}

func (f Fanout) Dropped(reason string) {
	for _, s := range f {
		s.Dropped(reason)
	}
}

func (f Fanout) QueueDepth(n int) {
	for _, s := range f {
		s.QueueDepth(n)
	}
}

func (f Fanout) FrameDecoded() {
	for _, s := range f {
		s.FrameDecoded()
	}
}

func (f Fanout) FrameSkipped() {
	for _, s := range f {
		s.FrameSkipped()
	}
}
