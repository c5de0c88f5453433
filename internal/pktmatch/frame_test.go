package pktmatch

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macIface  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macClient = [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	macOther  = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	macBcast  = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	testIface = &Iface{
		Name:  "br-lan",
		Index: 3,
		MAC:   macIface,
		IP:    netip.MustParseAddr("192.168.1.1"),
		Mask:  netip.MustParseAddr("255.255.255.0"),
	}
)

type frameSpec struct {
	srcMAC, dstMAC [6]byte
	etherType      layers.EthernetType
	src, dst       string
	proto          layers.IPProtocol
	sport, dport   uint16
	syn, ack, rst  bool
	payload        []byte
}

func buildFrame(tb testing.TB, s frameSpec) []byte {
	tb.Helper()
	if s.etherType == 0 {
		s.etherType = layers.EthernetTypeIPv4
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(s.srcMAC[:]),
		DstMAC:       net.HardwareAddr(s.dstMAC[:]),
		EthernetType: s.etherType,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if s.etherType != layers.EthernetTypeIPv4 {
		require.NoError(tb, gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(s.payload)))
		return buf.Bytes()
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: s.proto,
		SrcIP:    net.ParseIP(s.src).To4(),
		DstIP:    net.ParseIP(s.dst).To4(),
	}
	var err error
	switch s.proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.sport),
			DstPort: layers.TCPPort(s.dport),
			Seq:     1000,
			SYN:     s.syn,
			ACK:     s.ack,
			RST:     s.rst,
			Window:  64240,
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		err = gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(s.payload))
	case layers.IPProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(s.sport),
			DstPort: layers.UDPPort(s.dport),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(s.payload))
	default:
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
		err = gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(s.payload))
	}
	require.NoError(tb, err)
	return buf.Bytes()
}

func newFrame(tb testing.TB, s frameSpec) *Frame {
	data := buildFrame(tb, s)
	return &Frame{Iface: testIface, Data: data, OrigLen: len(data)}
}

func udpFrame(tb testing.TB, src, dst string, sport, dport uint16) *Frame {
	return newFrame(tb, frameSpec{
		srcMAC: macClient, dstMAC: macIface,
		src: src, dst: dst, proto: layers.IPProtocolUDP,
		sport: sport, dport: dport,
	})
}

func tcpFrame(tb testing.TB, src, dst string, sport, dport uint16) *Frame {
	return newFrame(tb, frameSpec{
		srcMAC: macClient, dstMAC: macIface,
		src: src, dst: dst, proto: layers.IPProtocolTCP,
		sport: sport, dport: dport, syn: true,
	})
}

func TestFrameHeaderViews(t *testing.T) {
	f := newFrame(t, frameSpec{
		srcMAC: macClient, dstMAC: macIface,
		src: "192.168.1.20", dst: "192.168.1.1",
		proto: layers.IPProtocolTCP, sport: 40000, dport: 443,
		syn: true, ack: true,
	})

	eth, ok := f.Eth()
	require.True(t, ok)
	assert.Equal(t, macClient, eth.Src())
	assert.Equal(t, macIface, eth.Dst())
	assert.Equal(t, uint16(EtherTypeIPv4), eth.Type())

	ip, ok := f.IPv4()
	require.True(t, ok)
	assert.Equal(t, uint8(4), ip.Version())
	assert.Equal(t, IPv4HeaderLen, ip.HeaderLen())
	assert.Equal(t, uint8(ProtoTCP), ip.Proto())
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), ip.Src())
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), ip.Dst())

	tcp, ok := f.TCP()
	require.True(t, ok)
	assert.Equal(t, uint16(40000), tcp.SrcPort())
	assert.Equal(t, uint16(443), tcp.DstPort())
	assert.Equal(t, uint8(TCPFlagSYN|TCPFlagACK), tcp.Flags())

	_, ok = f.UDP()
	assert.False(t, ok)
}

func TestFrameTruncatedViews(t *testing.T) {
	full := buildFrame(t, frameSpec{
		srcMAC: macClient, dstMAC: macIface,
		src: "10.0.0.2", dst: "10.0.0.1",
		proto: layers.IPProtocolUDP, sport: 68, dport: 67,
	})

	tests := []struct {
		name string
		n    int
		eth  bool
		ip   bool
		udp  bool
	}{
		{"Empty", 0, false, false, false},
		{"PartialEthernet", 10, false, false, false},
		{"EthernetOnly", EthHeaderLen, true, false, false},
		{"PartialIP", EthHeaderLen + 19, true, false, false},
		{"IPOnly", EthHeaderLen + IPv4HeaderLen, true, true, false},
		{"PartialUDP", EthHeaderLen + IPv4HeaderLen + 7, true, true, false},
		{"Full", len(full), true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Frame{Iface: testIface, Data: full[:tt.n]}
			_, ok := f.Eth()
			assert.Equal(t, tt.eth, ok, "eth")
			_, ok = f.IPv4()
			assert.Equal(t, tt.ip, ok, "ip")
			_, ok = f.UDP()
			assert.Equal(t, tt.udp, ok, "udp")
		})
	}
}

func TestFrameNonIPv4(t *testing.T) {
	f := newFrame(t, frameSpec{
		srcMAC: macClient, dstMAC: macBcast,
		etherType: layers.EthernetTypeARP,
		payload:   make([]byte, 28),
	})
	_, ok := f.IPv4()
	assert.False(t, ok)
}
