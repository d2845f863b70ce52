package link

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshboard/internal/observability"
	"meshboard/internal/testutil/testlog"
	"meshboard/internal/wire"
)

// scriptPort feeds pre-framed chunks to the reader and behaves like a serial
// port with a read timeout in between.
type scriptPort struct {
	ch chan []byte
}

func newScriptPort() *scriptPort {
	return &scriptPort{ch: make(chan []byte, 32)}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.ch:
		return copy(b, chunk), nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (p *scriptPort) feed(t *testing.T, msg wire.FromDevice) {
	t.Helper()
	payload, err := wire.EncodeFromDevice(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := wire.NewLengthPrefixCodec().Encode(payload)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	p.ch <- frame
}

func (p *scriptPort) feedRaw(frame []byte) {
	p.ch <- frame
}

// fakeControl records what the reader hands to the writer.
type fakeControl struct {
	mu       sync.Mutex
	controls []wire.ToDevice
	acks     []uint32
}

func (f *fakeControl) Submit(req Request) bool {
	if req.Msg.Control == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, *req.Msg.Control)
	return true
}

func (f *fakeControl) NotifyAck(packetID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, packetID)
}

func (f *fakeControl) controlCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.controls)
}

func (f *fakeControl) configRequestID(t *testing.T) uint32 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, c := range f.controls {
			if c.WantConfigID != nil {
				id := *c.WantConfigID
				f.mu.Unlock()
				return id
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reader never requested config sync")
	return 0
}

func (f *fakeControl) ackList() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.acks))
	copy(out, f.acks)
	return out
}

func startReader(t *testing.T, cfg ReaderConfig) (*scriptPort, *fakeControl, chan Event, *observability.Counters) {
	t.Helper()
	testlog.Start(t)
	port := newScriptPort()
	ctl := &fakeControl{}
	counters := observability.NewCounters()
	events := make(chan Event, 16)
	var nodeID atomic.Uint32
	nodes := LoadNodeCache(cachePath(t))
	r := NewReader(port, wire.NewLengthPrefixCodec(), cfg, counters, ctl, nodes, &nodeID, events, nil)
	go r.Run()
	t.Cleanup(func() {
		select {
		case <-r.Stop():
		case <-time.After(2 * time.Second):
			t.Errorf("reader did not stop")
		}
	})
	return port, ctl, events, counters
}

func waitEvent(t *testing.T, events chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(within):
		t.Fatalf("no event within %v", within)
		return Event{}
	}
}

func TestReaderHandshakeCompletesAndAnnouncesSync(t *testing.T) {
	port, ctl, events, _ := startReader(t, ReaderConfig{ResendInterval: time.Second})

	id := ctl.configRequestID(t)
	port.feed(t, wire.FromDevice{MyInfo: &wire.MyInfo{NodeID: 0x42}})
	port.feed(t, wire.FromDevice{Radio: &wire.RadioConfig{Region: "EU_868"}})
	port.feed(t, wire.FromDevice{ConfigCompleteID: &id})

	ev := waitEvent(t, events, time.Second)
	if ev.Kind != KindSyncComplete {
		t.Fatalf("event kind = %v, want sync-complete", ev.Kind)
	}
	if ev.Source != 0x42 {
		t.Fatalf("sync event source = %#x, want 0x42", ev.Source)
	}
}

func TestReaderIgnoresMismatchedConfigComplete(t *testing.T) {
	port, ctl, events, _ := startReader(t, ReaderConfig{ResendInterval: time.Hour})

	id := ctl.configRequestID(t)
	wrong := id + 1
	port.feed(t, wire.FromDevice{MyInfo: &wire.MyInfo{NodeID: 0x42}})
	port.feed(t, wire.FromDevice{Radio: &wire.RadioConfig{}})
	port.feed(t, wire.FromDevice{ConfigCompleteID: &wrong})

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v after mismatched completion", ev.Kind)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReaderResendsConfigRequest(t *testing.T) {
	_, ctl, _, _ := startReader(t, ReaderConfig{ResendInterval: 40 * time.Millisecond})

	ctl.configRequestID(t)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ctl.controlCount() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("config request never resent")
}

func TestReaderEmitsTextAndDeduplicates(t *testing.T) {
	port, _, events, counters := startReader(t, ReaderConfig{ResendInterval: time.Hour})

	pkt := &wire.MeshPacket{
		From: 0x55, To: wire.Broadcast, ID: 99,
		Payload: &wire.Payload{Port: wire.PortText, Body: []byte("hello mesh")},
	}
	port.feed(t, wire.FromDevice{Packet: pkt})
	port.feed(t, wire.FromDevice{Packet: pkt})

	ev := waitEvent(t, events, time.Second)
	if ev.Kind != KindText || ev.Content != "hello mesh" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.IsDirect {
		t.Fatalf("broadcast packet marked direct")
	}

	select {
	case dup := <-events:
		t.Fatalf("duplicate packet emitted event %+v", dup)
	case <-time.After(150 * time.Millisecond):
	}
	if s := counters.Snapshot(); s.Dropped == 0 {
		t.Fatalf("duplicate not counted as dropped")
	}
}

func TestReaderForwardsAcksWithoutEvents(t *testing.T) {
	port, ctl, events, _ := startReader(t, ReaderConfig{ResendInterval: time.Hour})

	port.feed(t, wire.FromDevice{Packet: &wire.MeshPacket{
		From: 0x55, To: 0x10, ID: 7,
		Payload: &wire.Payload{Port: wire.PortRouting, RequestID: 0xDEAD},
	}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if acks := ctl.ackList(); len(acks) == 1 {
			if acks[0] != 0xDEAD {
				t.Fatalf("ack id = %#x, want 0xDEAD", acks[0])
			}
			select {
			case ev := <-events:
				t.Fatalf("routing frame emitted event %+v", ev)
			default:
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ack never forwarded")
}

func TestReaderCompressedTextFallsBackToBinary(t *testing.T) {
	port, _, events, _ := startReader(t, ReaderConfig{ResendInterval: time.Hour})

	port.feed(t, wire.FromDevice{Packet: &wire.MeshPacket{
		From: 1, To: wire.Broadcast, ID: 11,
		Payload: &wire.Payload{Port: wire.PortTextCompressed, Body: []byte("plain text")},
	}})
	if ev := waitEvent(t, events, time.Second); ev.Kind != KindText || ev.Content != "plain text" {
		t.Fatalf("printable compressed payload = %+v", ev)
	}

	port.feed(t, wire.FromDevice{Packet: &wire.MeshPacket{
		From: 1, To: wire.Broadcast, ID: 12,
		Payload: &wire.Payload{Port: wire.PortTextCompressed, Body: []byte{0x00, 0x01, 0xFF}},
	}})
	ev := waitEvent(t, events, time.Second)
	if ev.Kind != KindBinary || len(ev.Raw) != 3 {
		t.Fatalf("unprintable compressed payload = %+v", ev)
	}
}

func TestReaderSkipsGarbageAndRecovers(t *testing.T) {
	port, _, events, counters := startReader(t, ReaderConfig{ResendInterval: time.Hour})

	// Well-framed but not a valid message body.
	bad, err := wire.NewLengthPrefixCodec().Encode([]byte{0xFF, 0xFE, 0xFD})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	port.feedRaw(bad)
	port.feed(t, wire.FromDevice{Packet: &wire.MeshPacket{
		From: 2, To: wire.Broadcast, ID: 21,
		Payload: &wire.Payload{Port: wire.PortText, Body: []byte("after garbage")},
	}})

	ev := waitEvent(t, events, time.Second)
	if ev.Content != "after garbage" {
		t.Fatalf("event after garbage = %+v", ev)
	}
	if s := counters.Snapshot(); s.FramesSkipped == 0 {
		t.Fatalf("garbage frame not counted as skipped")
	}
}

func TestReaderHeartbeatNoncesIncrease(t *testing.T) {
	_, ctl, _, _ := startReader(t, ReaderConfig{
		ResendInterval: time.Hour,
		HeartbeatFast:  25 * time.Millisecond,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctl.mu.Lock()
		var nonces []uint32
		for _, c := range ctl.controls {
			if c.Heartbeat != nil {
				nonces = append(nonces, c.Heartbeat.Nonce)
			}
		}
		ctl.mu.Unlock()
		if len(nonces) >= 2 {
			if nonces[1] <= nonces[0] {
				t.Fatalf("heartbeat nonces not increasing: %v", nonces)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than two heartbeats observed")
}
