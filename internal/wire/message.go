package wire

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Broadcast is the all-nodes destination address.
const Broadcast uint32 = 0xFFFFFFFF

// PortNum demultiplexes application payloads inside a mesh packet.
type PortNum uint32

const (
	PortUnknown        PortNum = 0
	PortText           PortNum = 1
	PortTextCompressed PortNum = 2
	PortRouting        PortNum = 5
	PortBinary         PortNum = 64
)

func (p PortNum) String() string {
	switch p {
	case PortText:
		return "text"
	case PortTextCompressed:
		return "text-compressed"
	case PortRouting:
		return "routing"
	case PortBinary:
		return "binary"
	default:
		return "unknown"
	}
}

var ErrUnknownVariant = errors.New("wire: unknown message variant")

// Heartbeat is a fire-and-forget keepalive. The nonce varies monotonically
// so repeated frames are distinguishable on the wire.
type Heartbeat struct {
	Nonce uint32 `cbor:"1,keyasint"`
}

// Payload is the decoded application content of a mesh packet. RequestID is
// only meaningful on the routing port, where it echoes the packet id of a
// reliable send being acknowledged.
type Payload struct {
	Port      PortNum `cbor:"1,keyasint"`
	Body      []byte  `cbor:"2,keyasint,omitempty"`
	RequestID uint32  `cbor:"3,keyasint,omitempty"`
}

// MeshPacket is one routed message on the mesh. ID is non-zero only for
// reliable packets (WantAck), where it doubles as the ack correlation key.
type MeshPacket struct {
	From     uint32   `cbor:"1,keyasint,omitempty"`
	To       uint32   `cbor:"2,keyasint,omitempty"`
	Channel  uint32   `cbor:"3,keyasint,omitempty"`
	ID       uint32   `cbor:"4,keyasint,omitempty"`
	HopLimit uint32   `cbor:"5,keyasint,omitempty"`
	WantAck  bool     `cbor:"6,keyasint,omitempty"`
	Priority uint32   `cbor:"7,keyasint,omitempty"`
	Payload  *Payload `cbor:"8,keyasint,omitempty"`
}

// IsBroadcast reports whether the packet is addressed to all nodes.
func (p *MeshPacket) IsBroadcast() bool {
	return p.To == 0 || p.To == Broadcast
}

// MyInfo identifies the locally attached device.
type MyInfo struct {
	NodeID uint32 `cbor:"1,keyasint"`
}

// NodeInfo announces identity of a node on the mesh.
type NodeInfo struct {
	ID        uint32 `cbor:"1,keyasint"`
	LongName  string `cbor:"2,keyasint,omitempty"`
	ShortName string `cbor:"3,keyasint,omitempty"`
}

// RadioConfig carries the device's radio settings. The gateway only needs
// its presence to complete the handshake; fields are informational.
type RadioConfig struct {
	Region       string `cbor:"1,keyasint,omitempty"`
	ChannelCount uint32 `cbor:"2,keyasint,omitempty"`
}

// ModuleConfig carries per-module device settings, informational here.
type ModuleConfig struct {
	Name    string `cbor:"1,keyasint,omitempty"`
	Enabled bool   `cbor:"2,keyasint,omitempty"`
}

// ToDevice is the request-side union. Exactly one field is set.
type ToDevice struct {
	WantConfigID *uint32     `cbor:"1,keyasint,omitempty"`
	Heartbeat    *Heartbeat  `cbor:"2,keyasint,omitempty"`
	Packet       *MeshPacket `cbor:"3,keyasint,omitempty"`
}

// FromDevice is the response-side union. Exactly one field is set.
type FromDevice struct {
	ConfigCompleteID *uint32       `cbor:"1,keyasint,omitempty"`
	MyInfo           *MyInfo       `cbor:"2,keyasint,omitempty"`
	NodeInfo         *NodeInfo     `cbor:"3,keyasint,omitempty"`
	Radio            *RadioConfig  `cbor:"4,keyasint,omitempty"`
	Module           *ModuleConfig `cbor:"5,keyasint,omitempty"`
	Packet           *MeshPacket   `cbor:"6,keyasint,omitempty"`
}

func WantConfig(id uint32) ToDevice {
	return ToDevice{WantConfigID: &id}
}

func EncodeToDevice(m ToDevice) ([]byte, error) {
	if m.WantConfigID == nil && m.Heartbeat == nil && m.Packet == nil {
		return nil, ErrUnknownVariant
	}
	return cbor.Marshal(m)
}

func DecodeToDevice(data []byte) (ToDevice, error) {
	var m ToDevice
	if err := cbor.Unmarshal(data, &m); err != nil {
		return ToDevice{}, err
	}
	return m, nil
}

func EncodeFromDevice(m FromDevice) ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeFromDevice parses one frame payload. Frames that parse as CBOR but
// carry no recognized union arm return ErrUnknownVariant so callers can skip
// them without treating the stream as broken.
func DecodeFromDevice(data []byte) (FromDevice, error) {
	var m FromDevice
	if err := cbor.Unmarshal(data, &m); err != nil {
		return FromDevice{}, err
	}
	if m.ConfigCompleteID == nil && m.MyInfo == nil && m.NodeInfo == nil &&
		m.Radio == nil && m.Module == nil && m.Packet == nil {
		return FromDevice{}, ErrUnknownVariant
	}
	return m, nil
}
