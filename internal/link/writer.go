package link

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meshboard/internal/observability"
	"meshboard/internal/wire"
)

const (
	writerQueueSize = 64
	writerCtrlSize  = 64

	// Wire priority values understood by the radio firmware.
	priorityReliable = 70
	priorityDefault  = 0

	defaultHopLimit = 3
)

// WriterConfig carries the pacing and reliability policy. All values are
// expected pre-sanitized by the config layer.
type WriterConfig struct {
	MinSendGap             time.Duration
	PostDirectBroadcastGap time.Duration
	DirectToDirectGap      time.Duration
	Backoff                []time.Duration
}

// PendingAck tracks one reliable send awaiting acknowledgement.
type PendingAck struct {
	PacketID    uint32
	Dest        uint32
	FirstSentAt time.Time
	Attempts    int
	backoffIdx  int
	deadline    time.Time
	req         Request
}

type ackNotice struct {
	packetID uint32
	at       time.Time
}

type writerCtrl struct {
	ack      *ackNotice
	sched    RetryQueuer
	shutdown chan struct{}
}

// Writer owns the transmit half of the link. It consumes requests from the
// scheduler, enforces inter-send gaps, and runs the retry/backoff machinery
// for reliable sends. All state is confined to the Run goroutine.
type Writer struct {
	port    io.Writer
	codec   wire.Codec
	cfg     WriterConfig
	metrics observability.Sink
	nodeID  *atomic.Uint32

	in     chan Request
	ctrl   chan writerCtrl
	closed atomic.Bool

	pending  map[uint32]*PendingAck
	deferred map[uint32][]Request
	sched    RetryQueuer

	lastSendAt    time.Time
	lastWasDirect bool

	onFatal func(error)
	log     zerolog.Logger
}

func NewWriter(port io.Writer, codec wire.Codec, cfg WriterConfig, metrics observability.Sink, nodeID *atomic.Uint32, onFatal func(error)) *Writer {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Writer{
		port:     port,
		codec:    codec,
		cfg:      cfg,
		metrics:  metrics,
		nodeID:   nodeID,
		in:       make(chan Request, writerQueueSize),
		ctrl:     make(chan writerCtrl, writerCtrlSize),
		pending:  make(map[uint32]*PendingAck),
		deferred: make(map[uint32][]Request),
		onFatal:  onFatal,
		log:      log.With().Str("comp", "writer").Logger(),
	}
}

// Submit hands a request to the writer without blocking. It reports false
// once the writer is shut down or its queue is full; the caller decides how
// to count the drop.
func (w *Writer) Submit(req Request) bool {
	if w.closed.Load() {
		return false
	}
	select {
	case w.in <- req:
		return true
	default:
		return false
	}
}

// NotifyAck delivers an inbound acknowledgement for a reliable packet id.
// Called from the reader task; never blocks.
func (w *Writer) NotifyAck(packetID uint32) {
	select {
	case w.ctrl <- writerCtrl{ack: &ackNotice{packetID: packetID, at: time.Now()}}:
	default:
		w.log.Warn().Uint32("packet", packetID).Msg("control queue full, ack dropped")
	}
}

// InstallScheduler gives the writer a back-reference so its retransmissions
// re-enter through the scheduler and share the global pacing clock.
func (w *Writer) InstallScheduler(q RetryQueuer) {
	w.ctrl <- writerCtrl{sched: q}
}

// Shutdown asks the writer to drain and stop. The returned channel closes
// once the loop has terminated.
func (w *Writer) Shutdown() <-chan struct{} {
	done := make(chan struct{})
	w.closed.Store(true)
	select {
	case w.ctrl <- writerCtrl{shutdown: done}:
	default:
		// Control queue jammed; the loop is gone or wedged, don't hang the
		// caller.
		close(done)
	}
	return done
}

// Run drives the writer loop until shutdown or a fatal write error.
func (w *Writer) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		w.resetTimer(timer)
		select {
		case req := <-w.in:
			if !w.handleRequest(req) {
				return
			}
		case c := <-w.ctrl:
			switch {
			case c.ack != nil:
				w.handleAck(*c.ack)
			case c.sched != nil:
				w.sched = c.sched
			case c.shutdown != nil:
				w.drain()
				close(c.shutdown)
				w.log.Debug().Msg("writer stopped")
				return
			}
		case now := <-timer.C:
			if !w.onDeadline(now) {
				return
			}
		}
	}
}

func (w *Writer) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	wait := time.Hour
	now := time.Now()
	for _, p := range w.pending {
		if d := p.deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (w *Writer) drain() {
	for {
		select {
		case req := <-w.in:
			if !w.handleRequest(req) {
				return
			}
		default:
			return
		}
	}
}

// handleRequest transmits one request, deferring reliable sends to a
// destination that already has an in-flight entry. Returns false only on
// fatal I/O.
func (w *Writer) handleRequest(req Request) bool {
	if req.Msg.Control != nil {
		return w.transmit(*req.Msg.Control, false)
	}

	dest := req.Msg.Dest
	isBroadcast := req.Msg.IsBroadcast()
	if isBroadcast {
		dest = wire.Broadcast
	}

	if req.Msg.Reliable && !req.Retry && w.hasPendingFor(dest) {
		w.deferred[dest] = append(w.deferred[dest], req)
		w.log.Debug().Uint32("dest", dest).Msg("reliable send deferred behind in-flight packet")
		return true
	}

	packetID := req.PacketID
	if packetID == 0 && req.Msg.Reliable {
		packetID = newPacketID()
	}

	pkt := &wire.MeshPacket{
		From:     w.nodeID.Load(),
		To:       dest,
		Channel:  req.Msg.Channel,
		ID:       packetID,
		HopLimit: defaultHopLimit,
		WantAck:  req.Msg.Reliable,
		Priority: priorityDefault,
		Payload: &wire.Payload{
			Port: wire.PortText,
			Body: []byte(req.Msg.Content),
		},
	}
	if req.Msg.Reliable {
		pkt.Priority = priorityReliable
	}

	if !w.transmit(wire.ToDevice{Packet: pkt}, isBroadcast) {
		return false
	}

	if req.Msg.Reliable && !req.Retry {
		now := time.Now()
		w.pending[packetID] = &PendingAck{
			PacketID:    packetID,
			Dest:        dest,
			FirstSentAt: now,
			Attempts:    1,
			deadline:    now.Add(w.cfg.Backoff[0]),
			req:         Request{Msg: req.Msg, PacketID: packetID},
		}
		w.metrics.ReliableSent()
	}
	return true
}

// transmit encodes and writes one frame after enforcing the pacing gaps.
func (w *Writer) transmit(td wire.ToDevice, isBroadcast bool) bool {
	payload, err := wire.EncodeToDevice(td)
	if err != nil {
		w.log.Warn().Err(err).Msg("outgoing message rejected by codec")
		return true
	}
	frame, err := w.codec.Encode(payload)
	if err != nil {
		w.log.Warn().Err(err).Msg("outgoing message rejected by framing")
		return true
	}

	if wait := w.gapRemaining(time.Now(), isBroadcast); wait > 0 {
		time.Sleep(wait)
	}

	if _, err := w.port.Write(frame); err != nil {
		err = fmt.Errorf("link: serial write failed: %w", err)
		w.log.Error().Err(err).Msg("writer terminating")
		w.closed.Store(true)
		w.onFatal(err)
		return false
	}
	w.lastSendAt = time.Now()
	if td.Packet != nil {
		// Control frames are not a traffic category; they advance the clock
		// but do not change the transition state.
		w.lastWasDirect = !isBroadcast
	}
	return true
}

// gapRemaining computes how long the writer must still wait before the next
// transmit: the global minimum gap plus the category-transition extra.
func (w *Writer) gapRemaining(now time.Time, isBroadcast bool) time.Duration {
	if w.lastSendAt.IsZero() {
		return 0
	}
	gap := w.cfg.MinSendGap
	if w.lastWasDirect {
		if isBroadcast {
			if g := w.cfg.MinSendGap + w.cfg.PostDirectBroadcastGap; g > gap {
				gap = g
			}
		} else if g := w.cfg.DirectToDirectGap; g > gap {
			gap = g
		}
	}
	earliest := w.lastSendAt.Add(gap)
	return earliest.Sub(now)
}

func (w *Writer) handleAck(n ackNotice) {
	p, ok := w.pending[n.packetID]
	if !ok {
		w.log.Debug().Uint32("packet", n.packetID).Msg("ack for unknown packet")
		return
	}
	delete(w.pending, n.packetID)
	latency := n.at.Sub(p.FirstSentAt)
	w.metrics.ReliableAcked(latency)
	w.log.Debug().
		Uint32("packet", n.packetID).
		Uint32("dest", p.Dest).
		Dur("latency", latency).
		Int("attempts", p.Attempts).
		Msg("reliable send acknowledged")
	w.releaseDeferred(p.Dest)
}

// onDeadline retransmits or fails every pending entry whose backoff fired.
func (w *Writer) onDeadline(now time.Time) bool {
	for id, p := range w.pending {
		if p.deadline.After(now) {
			continue
		}
		if p.backoffIdx >= len(w.cfg.Backoff) {
			// Backoff exhausted: best-effort delivery gives up here.
			delete(w.pending, id)
			w.metrics.ReliableFailed()
			w.log.Warn().
				Uint32("packet", id).
				Uint32("dest", p.Dest).
				Int("attempts", p.Attempts).
				Msg("reliable send failed, backoff exhausted")
			w.releaseDeferred(p.Dest)
			continue
		}

		p.Attempts++
		p.backoffIdx++
		next := w.cfg.Backoff[len(w.cfg.Backoff)-1]
		if p.backoffIdx < len(w.cfg.Backoff) {
			next = w.cfg.Backoff[p.backoffIdx]
		}
		p.deadline = now.Add(next)
		w.metrics.ReliableRetry()

		retry := Request{Msg: p.req.Msg, PacketID: p.PacketID, Retry: true}
		if w.sched != nil && w.sched.EnqueueRetry(retry) {
			w.log.Debug().Uint32("packet", id).Int("attempt", p.Attempts).Msg("retry re-queued through scheduler")
			continue
		}
		if !w.handleRequest(retry) {
			return false
		}
	}
	return true
}

func (w *Writer) releaseDeferred(dest uint32) {
	queue := w.deferred[dest]
	if len(queue) == 0 {
		delete(w.deferred, dest)
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(w.deferred, dest)
	} else {
		w.deferred[dest] = queue[1:]
	}
	w.handleRequest(next)
}

// hasPendingFor scans for an in-flight reliable send to a destination.
// Pending entries are keyed by packet id; destinations are few, so a scan
// is fine.
func (w *Writer) hasPendingFor(dest uint32) bool {
	for _, p := range w.pending {
		if p.Dest == dest {
			return true
		}
	}
	return false
}

func newPacketID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}
