package link

import "meshboard/internal/wire"

// EventKind tags one decoded inbound event.
type EventKind int

const (
	// KindText is a plain or successfully decompressed text message.
	KindText EventKind = iota
	// KindBinary is a well-framed application payload that is not text.
	KindBinary
	// KindNodeSeen reports a node-identity update applied to the cache.
	KindNodeSeen
	// KindSyncComplete fires once when the initial handshake finishes.
	KindSyncComplete
)

func (k EventKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindNodeSeen:
		return "node-seen"
	case KindSyncComplete:
		return "sync-complete"
	default:
		return "unknown"
	}
}

// Event is one decoded inbound occurrence surfaced to the application.
type Event struct {
	Kind     EventKind
	Source   uint32
	IsDirect bool
	Channel  uint32
	Content  string
	Raw      []byte
}

// OutgoingMessage is one application-level send request. A zero Dest means
// broadcast. Control carries link-maintenance frames (want_config,
// heartbeat) that bypass packet construction but not pacing.
type OutgoingMessage struct {
	Dest     uint32
	Channel  uint32
	Content  string
	Reliable bool
	Control  *wire.ToDevice
}

// IsBroadcast reports whether the message targets all nodes.
func (m OutgoingMessage) IsBroadcast() bool {
	return m.Control == nil && (m.Dest == 0 || m.Dest == wire.Broadcast)
}

// Request is the unit consumed by the writer. Retries re-enter through the
// scheduler carrying the original PacketID so the pending entry is not
// re-registered.
type Request struct {
	Msg      OutgoingMessage
	PacketID uint32
	Retry    bool
}

// RetryQueuer re-enqueues writer retransmissions through the scheduler so
// retries share the global pacing clock.
type RetryQueuer interface {
	EnqueueRetry(req Request) bool
}
