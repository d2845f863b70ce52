package link

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"meshboard/internal/observability"
	"meshboard/internal/wire"
)

const eventQueueSize = 128

// Config bundles the timing policy for both halves of the link.
type Config struct {
	Writer WriterConfig
	Reader ReaderConfig
}

// Link supervises the two I/O tasks attached to one device port. The codec
// is shared: Encode is stateless, and only the reader calls Decode.
type Link struct {
	writer *Writer
	reader *Reader
	nodes  *NodeCache
	nodeID atomic.Uint32
	synced atomic.Bool

	events chan Event
	errs   chan error
}

func New(port io.ReadWriter, codec wire.Codec, cfg Config, metrics observability.Sink, nodes *NodeCache) *Link {
	l := &Link{
		nodes:  nodes,
		events: make(chan Event, eventQueueSize),
		errs:   make(chan error, 2),
	}
	l.writer = NewWriter(port, codec, cfg.Writer, metrics, &l.nodeID, l.reportFatal)
	l.reader = NewReader(port, codec, cfg.Reader, metrics, l.writer, nodes, &l.nodeID, l.events, l.reportFatal)
	l.reader.onSync = func() { l.synced.Store(true) }
	return l
}

// Start launches the reader and writer goroutines.
func (l *Link) Start() {
	go l.writer.Run()
	go l.reader.Run()
	log.Info().Msg("device link started")
}

// Submit hands one send request to the writer. See Writer.Submit.
func (l *Link) Submit(req Request) bool {
	return l.writer.Submit(req)
}

// Writer exposes the transmit half so the scheduler can be wired to it.
func (l *Link) Writer() *Writer {
	return l.writer
}

// Events is the stream of decoded inbound occurrences.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Errs delivers fatal I/O errors from either task. The link does not
// restart itself; the owner decides whether to reopen the port.
func (l *Link) Errs() <-chan error {
	return l.errs
}

func (l *Link) Nodes() *NodeCache {
	return l.nodes
}

// NodeID returns the device's own node id, zero until the handshake has
// delivered it.
func (l *Link) NodeID() uint32 {
	return l.nodeID.Load()
}

// Synced reports whether the initial config handshake has completed.
func (l *Link) Synced() bool {
	return l.synced.Load()
}

// Shutdown stops both tasks, waiting up to the given grace per task.
func (l *Link) Shutdown(grace time.Duration) {
	select {
	case <-l.writer.Shutdown():
	case <-time.After(grace):
		log.Warn().Msg("writer shutdown timed out")
	}
	select {
	case <-l.reader.Stop():
	case <-time.After(grace):
		log.Warn().Msg("reader shutdown timed out")
	}
	log.Info().Msg("device link stopped")
}

func (l *Link) reportFatal(err error) {
	select {
	case l.errs <- err:
	default:
	}
}
