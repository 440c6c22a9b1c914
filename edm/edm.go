// Package edm implements the Extended Data Mode framing used by u-blox
// short-range modules. EDM multiplexes AT command traffic and per-channel
// payload traffic over one serial link using binary frames:
//
//	0xAA | length(2, big-endian) | identifier(2) | payload | 0x55
//
// The 12 significant bits of the length field count the identifier bytes plus
// the payload. The low identifier byte selects the frame type; for event and
// data frames the first payload byte is the channel the frame belongs to.
//
// The codec only moves bytes in and out of frames. It never interprets
// payload contents.
package edm

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// StartByte opens every EDM frame.
	StartByte = 0xAA
	// StopByte closes every EDM frame.
	StopByte = 0x55

	// sizeFilter masks the significant bits of the length field.
	sizeFilter = 0x0fff

	// headerLen is start byte + length + identifier.
	headerLen = 5

	// Overhead is the fixed per-frame byte count around the payload area.
	Overhead = 4

	// MaxPayload is the largest payload one frame can carry. The length
	// field also counts the two identifier bytes.
	MaxPayload = sizeFilter - 2
)

// Type identifies the kind of traffic a frame carries. Values are the low
// identifier byte of the wire format.
type Type uint8

const (
	TypeConnectEvent        Type = 0x11
	TypeDisconnectEvent     Type = 0x21
	TypeDataEvent           Type = 0x31
	TypeDataCommand         Type = 0x36
	TypeATEvent             Type = 0x41
	TypeATRequest           Type = 0x44
	TypeATConfirmation      Type = 0x45
	TypeResendConnectEvents Type = 0x56
	TypeIPhoneEvent         Type = 0x61
	TypeStartEvent          Type = 0x71
)

func (t Type) String() string {
	switch t {
	case TypeConnectEvent:
		return "ConnectEvent"
	case TypeDisconnectEvent:
		return "DisconnectEvent"
	case TypeDataEvent:
		return "DataEvent"
	case TypeDataCommand:
		return "DataCommand"
	case TypeATEvent:
		return "ATEvent"
	case TypeATRequest:
		return "ATRequest"
	case TypeATConfirmation:
		return "ATConfirmation"
	case TypeResendConnectEvents:
		return "ResendConnectEvents"
	case TypeIPhoneEvent:
		return "IPhoneEvent"
	case TypeStartEvent:
		return "StartEvent"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// hasChannel reports whether frames of type t carry a channel byte as the
// first payload byte on the wire.
func hasChannel(t Type) bool {
	switch t {
	case TypeConnectEvent, TypeDisconnectEvent, TypeDataEvent, TypeDataCommand:
		return true
	}
	return false
}

// Frame is one decoded EDM frame. Channel is meaningful only for connect,
// disconnect and data frames; Payload excludes the channel byte for those.
type Frame struct {
	Type    Type
	Channel uint8
	Payload []byte
}

// Encode renders f in wire format. Payloads longer than MaxPayload are
// truncated by masking; callers must respect MaxPayload.
func Encode(f Frame) []byte {
	n := len(f.Payload) + 2
	if hasChannel(f.Type) {
		n++
	}
	out := make([]byte, 0, n+Overhead)
	out = append(out, StartByte)
	out = binary.BigEndian.AppendUint16(out, uint16(n)&sizeFilter)
	out = append(out, 0x00, byte(f.Type))
	if hasChannel(f.Type) {
		out = append(out, f.Channel)
	}
	out = append(out, f.Payload...)
	out = append(out, StopByte)
	return out
}

// WrapAT frames an AT command line (without line terminator) as an EDM AT
// request.
func WrapAT(cmd string) []byte {
	return Encode(Frame{Type: TypeATRequest, Payload: []byte(cmd + "\r\n")})
}

// DataCommand frames outbound payload bytes for a channel.
func DataCommand(channel uint8, data []byte) []byte {
	return Encode(Frame{Type: TypeDataCommand, Channel: channel, Payload: data})
}

// ResendConnectEvents asks the module to replay connect events for channels
// that are already up.
func ResendConnectEvents() []byte {
	return Encode(Frame{Type: TypeResendConnectEvents})
}

// Protocol identifies the transport protocol of a connected peer.
type Protocol uint8

const (
	ProtocolTCP Protocol = 0x00
	ProtocolUDP Protocol = 0x01
)

// Connect event address family byte.
const (
	familyBluetooth = 0x01
	familyIPv4      = 0x02
	familyIPv6      = 0x03
)

// ConnectEvent is the parsed payload of a TypeConnectEvent frame for an IP
// peer.
type ConnectEvent struct {
	Channel    uint8
	Protocol   Protocol
	RemoteAddr netip.Addr
	RemotePort uint16
	LocalAddr  netip.Addr
	LocalPort  uint16
}

// ParseConnectEvent decodes an IPv4 connect event frame. Bluetooth and IPv6
// connect events are reported as errors; the caller drops them.
func ParseConnectEvent(f Frame) (ConnectEvent, error) {
	if f.Type != TypeConnectEvent {
		return ConnectEvent{}, fmt.Errorf("not a connect event: %s", f.Type)
	}
	if len(f.Payload) < 1 {
		return ConnectEvent{}, fmt.Errorf("connect event: short payload")
	}
	if f.Payload[0] != familyIPv4 {
		return ConnectEvent{}, fmt.Errorf("connect event: unsupported family 0x%02x", f.Payload[0])
	}
	// family(1) protocol(1) remote ip(4) remote port(2) local ip(4) local port(2)
	if len(f.Payload) != 14 {
		return ConnectEvent{}, fmt.Errorf("connect event: bad IPv4 payload length %d", len(f.Payload))
	}
	return ConnectEvent{
		Channel:    f.Channel,
		Protocol:   Protocol(f.Payload[1]),
		RemoteAddr: netip.AddrFrom4([4]byte(f.Payload[2:6])),
		RemotePort: binary.BigEndian.Uint16(f.Payload[6:8]),
		LocalAddr:  netip.AddrFrom4([4]byte(f.Payload[8:12])),
		LocalPort:  binary.BigEndian.Uint16(f.Payload[12:14]),
	}, nil
}

// EncodeConnectEvent renders an IPv4 connect event frame. Used by tests and
// module emulators.
func EncodeConnectEvent(ev ConnectEvent) []byte {
	p := make([]byte, 0, 14)
	p = append(p, familyIPv4, byte(ev.Protocol))
	r := ev.RemoteAddr.As4()
	p = append(p, r[:]...)
	p = binary.BigEndian.AppendUint16(p, ev.RemotePort)
	l := ev.LocalAddr.As4()
	p = append(p, l[:]...)
	p = binary.BigEndian.AppendUint16(p, ev.LocalPort)
	return Encode(Frame{Type: TypeConnectEvent, Channel: ev.Channel, Payload: p})
}
