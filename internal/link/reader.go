package link

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meshboard/internal/observability"
	"meshboard/internal/wire"
)

const (
	readBufSize = 4096

	// Remembered inbound packet ids; the mesh can re-deliver a packet along
	// multiple paths well after the first copy arrives.
	dedupWindow = 512
)

// ReaderConfig carries the timing policy of the receive side.
type ReaderConfig struct {
	ResendInterval time.Duration // config request resend while sync incomplete
	HeartbeatFast  time.Duration // keepalive interval before sync completes
	HeartbeatSlow  time.Duration // keepalive interval after sync completes
}

// deviceControl is the slice of the writer the reader needs: a lane for
// control frames and the ack hand-off.
type deviceControl interface {
	Submit(Request) bool
	NotifyAck(packetID uint32)
}

// Reader owns the receive half of the link: it pulls bytes from the port,
// reassembles frames, drives the config handshake and heartbeats, and turns
// mesh packets into events. Handshake state is confined to the Run goroutine.
type Reader struct {
	port    io.Reader
	codec   wire.Codec
	cfg     ReaderConfig
	metrics observability.Sink
	writer  deviceControl
	nodes   *NodeCache
	nodeID  *atomic.Uint32
	events  chan<- Event

	handshake     HandshakeState
	seen          *lru.Cache[uint32, struct{}]
	heartbeatAt   time.Time
	heartbeatSeq  uint32
	announcedSync bool

	done    chan struct{}
	stopped chan struct{}
	onFatal func(error)
	onSync  func()
	log     zerolog.Logger
}

func NewReader(port io.Reader, codec wire.Codec, cfg ReaderConfig, metrics observability.Sink, writer deviceControl, nodes *NodeCache, nodeID *atomic.Uint32, events chan<- Event, onFatal func(error)) *Reader {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	seen, _ := lru.New[uint32, struct{}](dedupWindow)
	return &Reader{
		port:    port,
		codec:   codec,
		cfg:     cfg,
		metrics: metrics,
		writer:  writer,
		nodes:   nodes,
		nodeID:  nodeID,
		events:  events,
		seen:    seen,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		onFatal: onFatal,
		log:     log.With().Str("comp", "reader").Logger(),
	}
}

// Stop asks the reader to exit. The returned channel closes once the loop
// has terminated; with a timeout-based port that takes at most one read
// timeout.
func (r *Reader) Stop() <-chan struct{} {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return r.stopped
}

// Run drives the read loop until Stop or a fatal port error. The port is
// expected to use a read timeout and report it either as (0, nil) or as a
// timeout error, so the loop regains control often enough for the periodic
// work.
func (r *Reader) Run() {
	defer close(r.stopped)
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-r.done:
			r.log.Debug().Msg("reader stopped")
			return
		default:
		}

		r.maintain(time.Now())

		n, err := r.port.Read(buf)
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			err = fmt.Errorf("link: serial read failed: %w", err)
			r.log.Error().Err(err).Msg("reader terminating")
			r.onFatal(err)
			return
		}
		if n == 0 {
			continue
		}
		for _, payload := range r.codec.Decode(buf[:n]) {
			r.handleFrame(payload)
		}
	}
}

// maintain sends the config request (and its resends) and the keepalive.
func (r *Reader) maintain(now time.Time) {
	if r.handshake.NeedRequest(now, r.cfg.ResendInterval) {
		id := r.handshake.EnsureRequestID()
		ctl := wire.WantConfig(id)
		if r.writer.Submit(Request{Msg: OutgoingMessage{Control: &ctl}}) {
			r.handshake.NoteRequestSent(now)
			r.log.Info().Uint32("request", id).Msg("config sync requested")
		}
	}

	interval := r.cfg.HeartbeatFast
	if r.handshake.InitialSyncComplete() {
		interval = r.cfg.HeartbeatSlow
	}
	if interval > 0 && now.Sub(r.heartbeatAt) >= interval {
		r.heartbeatSeq++
		ctl := wire.ToDevice{Heartbeat: &wire.Heartbeat{Nonce: r.heartbeatSeq}}
		if r.writer.Submit(Request{Msg: OutgoingMessage{Control: &ctl}}) {
			r.heartbeatAt = now
		}
	}
}

// handleFrame decodes one frame payload and dispatches on the union arm.
// Unrecognized frames are counted and skipped; they never break the stream.
func (r *Reader) handleFrame(payload []byte) {
	msg, err := wire.DecodeFromDevice(payload)
	if err != nil {
		r.metrics.FrameSkipped()
		if errors.Is(err, wire.ErrUnknownVariant) {
			r.log.Debug().Int("len", len(payload)).Msg("frame with unknown variant skipped")
		} else {
			r.log.Debug().Err(err).Int("len", len(payload)).Msg("undecodable frame skipped")
		}
		return
	}
	r.metrics.FrameDecoded()

	switch {
	case msg.ConfigCompleteID != nil:
		if r.handshake.ApplyConfigComplete(*msg.ConfigCompleteID) {
			r.log.Info().Uint32("request", *msg.ConfigCompleteID).Msg("config sync acknowledged by device")
		} else {
			r.log.Debug().Uint32("id", *msg.ConfigCompleteID).Msg("stale config completion ignored")
		}
		r.maybeAnnounceSync()
	case msg.MyInfo != nil:
		r.handshake.ApplyMyInfo(msg.MyInfo.NodeID)
		if r.handshake.NodeID != 0 {
			r.nodeID.Store(r.handshake.NodeID)
		}
		r.log.Info().Uint32("node", msg.MyInfo.NodeID).Msg("device identity received")
		r.maybeAnnounceSync()
	case msg.NodeInfo != nil:
		entry := r.nodes.Upsert(msg.NodeInfo.ID, msg.NodeInfo.LongName, msg.NodeInfo.ShortName)
		r.emit(Event{Kind: KindNodeSeen, Source: entry.ID, Content: r.nodes.Label(entry.ID)})
	case msg.Radio != nil:
		r.handshake.ApplyRadioConfig()
		r.maybeAnnounceSync()
	case msg.Module != nil:
		r.handshake.ApplyModuleConfig()
	case msg.Packet != nil:
		r.handlePacket(msg.Packet)
	}
}

func (r *Reader) maybeAnnounceSync() {
	if r.announcedSync || !r.handshake.InitialSyncComplete() {
		return
	}
	r.announcedSync = true
	r.log.Info().Uint32("node", r.handshake.NodeID).Msg("initial device sync complete")
	if r.onSync != nil {
		r.onSync()
	}
	r.emit(Event{Kind: KindSyncComplete, Source: r.handshake.NodeID})
}

func (r *Reader) handlePacket(p *wire.MeshPacket) {
	if self := r.nodeID.Load(); self != 0 && p.From == self {
		return
	}
	if p.ID != 0 {
		if _, dup := r.seen.Get(p.ID); dup {
			r.metrics.Dropped("duplicate")
			return
		}
		r.seen.Add(p.ID, struct{}{})
	}
	if p.Payload == nil {
		return
	}

	ev := Event{
		Source:   p.From,
		IsDirect: !p.IsBroadcast(),
		Channel:  p.Channel,
	}
	switch p.Payload.Port {
	case wire.PortRouting:
		if p.Payload.RequestID != 0 {
			r.writer.NotifyAck(p.Payload.RequestID)
		}
		return
	case wire.PortText:
		ev.Kind = KindText
		ev.Content = string(p.Payload.Body)
	case wire.PortTextCompressed:
		if printableText(p.Payload.Body) {
			ev.Kind = KindText
			ev.Content = string(p.Payload.Body)
		} else {
			ev.Kind = KindBinary
			ev.Raw = p.Payload.Body
		}
	case wire.PortBinary:
		ev.Kind = KindBinary
		ev.Raw = p.Payload.Body
	default:
		r.log.Debug().Stringer("port", p.Payload.Port).Uint32("from", p.From).Msg("payload on unhandled port")
		return
	}
	r.emit(ev)
}

// emit forwards an event without blocking the read loop; a saturated
// consumer loses events rather than stalling the link.
func (r *Reader) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.metrics.Dropped("events_full")
		r.log.Warn().Stringer("kind", ev.Kind).Msg("event channel full, event dropped")
	}
}

// printableText reports whether a payload is plausible UTF-8 text. Compressed
// text frames arrive pre-expanded from some firmware builds; anything else on
// that port is surfaced as binary.
func printableText(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}
