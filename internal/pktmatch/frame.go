package pktmatch

import (
	"encoding/binary"
	"net/netip"
	"time"
)

const (
	EthHeaderLen  = 14
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20
	UDPHeaderLen  = 8

	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806

	ProtoTCP = 6
	ProtoUDP = 17
)

// Iface identifies the interface a frame was captured on.
type Iface struct {
	Name  string
	Index int
	MAC   [6]byte
	IP    netip.Addr
	Mask  netip.Addr
}

// Frame is one captured link-layer packet. Data starts at the Ethernet
// header and holds only the captured bytes, so len(Data) is the snap length.
type Frame struct {
	Iface     *Iface
	Data      []byte
	Timestamp time.Time
	OrigLen   int
}

// IfaceStats is the per-interval snapshot handed to OnInterval callbacks.
type IfaceStats struct {
	Iface    *Iface
	Start    time.Time
	Interval time.Duration

	BytesIn  uint64
	BytesOut uint64
	Packets  uint64

	// Driver-level counters for the interval, as reported by the capture source.
	CapPackets uint64
	CapDrops   uint64
}

// EthHeader is a view over the first EthHeaderLen bytes of a frame.
type EthHeader []byte

func (h EthHeader) Dst() (mac [6]byte) { copy(mac[:], h[0:6]); return }
func (h EthHeader) Src() (mac [6]byte) { copy(mac[:], h[6:12]); return }
func (h EthHeader) Type() uint16       { return binary.BigEndian.Uint16(h[12:14]) }

// IPv4Header is a view starting at the IPv4 header. Only the fixed part is
// guaranteed to be present.
type IPv4Header []byte

func (h IPv4Header) HeaderLen() int { return int(h[0]&0x0f) * 4 }
func (h IPv4Header) Version() uint8 { return h[0] >> 4 }
func (h IPv4Header) TotalLen() int  { return int(binary.BigEndian.Uint16(h[2:4])) }
func (h IPv4Header) TTL() uint8     { return h[8] }
func (h IPv4Header) Proto() uint8   { return h[9] }
func (h IPv4Header) Src() netip.Addr {
	return netip.AddrFrom4([4]byte(h[12:16]))
}
func (h IPv4Header) Dst() netip.Addr {
	return netip.AddrFrom4([4]byte(h[16:20]))
}

// Payload returns the bytes following the IPv4 header that were captured.
func (h IPv4Header) Payload() []byte {
	n := h.HeaderLen()
	if n < IPv4HeaderLen || n > len(h) {
		return nil
	}
	return h[n:]
}

// TCPHeader is a view over a TCP header.
type TCPHeader []byte

func (h TCPHeader) SrcPort() uint16 { return binary.BigEndian.Uint16(h[0:2]) }
func (h TCPHeader) DstPort() uint16 { return binary.BigEndian.Uint16(h[2:4]) }
func (h TCPHeader) Seq() uint32     { return binary.BigEndian.Uint32(h[4:8]) }
func (h TCPHeader) Ack() uint32     { return binary.BigEndian.Uint32(h[8:12]) }
func (h TCPHeader) Flags() uint8    { return h[13] & 0x3f }

const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// UDPHeader is a view over a UDP header.
type UDPHeader []byte

func (h UDPHeader) SrcPort() uint16 { return binary.BigEndian.Uint16(h[0:2]) }
func (h UDPHeader) DstPort() uint16 { return binary.BigEndian.Uint16(h[2:4]) }
func (h UDPHeader) Length() int     { return int(binary.BigEndian.Uint16(h[4:6])) }

// Eth returns the Ethernet header, or false when the frame is shorter than one.
func (f *Frame) Eth() (EthHeader, bool) {
	if len(f.Data) < EthHeaderLen {
		return nil, false
	}
	return EthHeader(f.Data[:EthHeaderLen]), true
}

// IPv4 returns the IPv4 header when the frame carries IPv4 and the captured
// length covers the fixed header and the header length field is sane.
func (f *Frame) IPv4() (IPv4Header, bool) {
	if len(f.Data)-EthHeaderLen < IPv4HeaderLen {
		return nil, false
	}
	if EthHeader(f.Data).Type() != EtherTypeIPv4 {
		return nil, false
	}
	ip := IPv4Header(f.Data[EthHeaderLen:])
	if ip.HeaderLen() < IPv4HeaderLen {
		return nil, false
	}
	return ip, true
}

// transport returns the captured bytes after the IPv4 header together with
// the number of bytes needed for the protocol's header. need is 0 for
// protocols other than TCP and UDP.
func transport(ip IPv4Header) (data []byte, need int) {
	switch ip.Proto() {
	case ProtoTCP:
		need = TCPHeaderLen
	case ProtoUDP:
		need = UDPHeaderLen
	default:
		return nil, 0
	}
	n := ip.HeaderLen()
	if n > len(ip) {
		return nil, need
	}
	return ip[n:], need
}

// TCP returns the TCP header of the frame if fully captured.
func (f *Frame) TCP() (TCPHeader, bool) {
	ip, ok := f.IPv4()
	if !ok || ip.Proto() != ProtoTCP {
		return nil, false
	}
	data, need := transport(ip)
	if len(data) < need {
		return nil, false
	}
	return TCPHeader(data), true
}

// UDP returns the UDP header of the frame if fully captured.
func (f *Frame) UDP() (UDPHeader, bool) {
	ip, ok := f.IPv4()
	if !ok || ip.Proto() != ProtoUDP {
		return nil, false
	}
	data, need := transport(ip)
	if len(data) < need {
		return nil, false
	}
	return UDPHeader(data), true
}

func isMulticast(mac [6]byte) bool { return mac[0]&0x01 != 0 }
