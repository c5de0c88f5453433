package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

var (
	macIface = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macPhone = [6]byte{0x3c, 0x22, 0xfb, 0x01, 0x02, 0x03}
	macTV    = [6]byte{0x70, 0x2a, 0xd5, 0x0a, 0x0b, 0x0c}

	testIface = &pktmatch.Iface{Name: "br-lan", MAC: macIface}
	t0        = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func frame(tb testing.TB, src [6]byte, proto layers.IPProtocol, sport, dport uint16, payload gopacket.SerializableLayer, at time.Time) *pktmatch.Frame {
	tb.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(src[:]),
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: proto,
		SrcIP: net.IPv4zero.To4(), DstIP: net.IPv4bcast.To4(),
	}
	var l4 gopacket.SerializableLayer
	if proto == layers.IPProtocolTCP {
		tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: true}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		l4 = tcp
	} else {
		udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
		_ = udp.SetNetworkLayerForChecksum(ip)
		l4 = udp
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(tb, gopacket.SerializeLayers(buf, opts, eth, ip, l4, payload))
	return &pktmatch.Frame{Iface: testIface, Data: buf.Bytes(), Timestamp: at}
}

func dhcpRequest(mac [6]byte, msgType layers.DHCPMsgType, hostname string) *layers.DHCPv4 {
	return &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          0xdeadbeef,
		ClientHWAddr: net.HardwareAddr(mac[:]),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
			layers.NewDHCPOption(layers.DHCPOptHostname, []byte(hostname)),
			layers.NewDHCPOption(layers.DHCPOptClassID, []byte("android-dhcp-13")),
			layers.NewDHCPOption(layers.DHCPOptParamsRequest, []byte{1, 3, 6, 15, 26, 28}),
			layers.NewDHCPOption(layers.DHCPOptRequestIP, []byte{192, 168, 1, 50}),
		},
	}
}

func TestCollector(t *testing.T) {
	table := pktmatch.NewTable()
	c := New(16, time.Hour)
	require.NoError(t, c.Start(table))
	assert.Equal(t, 1, table.Len())

	udp := layers.IPProtocolUDP
	table.Dispatch(frame(t, macPhone, udp, 68, 67, dhcpRequest(macPhone, layers.DHCPMsgTypeDiscover, "pixel-7"), t0))
	table.Dispatch(frame(t, macPhone, udp, 68, 67, dhcpRequest(macPhone, layers.DHCPMsgTypeRequest, "pixel-7"), t0.Add(time.Second)))
	table.Dispatch(frame(t, macTV, udp, 68, 67, dhcpRequest(macTV, layers.DHCPMsgTypeDiscover, "living-room-tv"), t0.Add(2*time.Second)))
	// Server replies and non-UDP traffic on the same ports are ignored.
	table.Dispatch(frame(t, macIface, udp, 67, 68, dhcpRequest(macTV, layers.DHCPMsgTypeOffer, "x"), t0))
	table.Dispatch(frame(t, macTV, layers.IPProtocolTCP, 68, 67, gopacket.Payload("hello"), t0))
	table.Dispatch(frame(t, macTV, udp, 68, 67, gopacket.Payload("not dhcp"), t0))

	require.NoError(t, c.Close())
	assert.Zero(t, table.Len())

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "70:2a:d5:0a:0b:0c", devices[0].MAC, "most recent first")

	phone, ok := c.Lookup("3C:22:FB:01:02:03")
	require.True(t, ok)
	assert.Equal(t, Fingerprint{
		MAC:         "3c:22:fb:01:02:03",
		Hostname:    "pixel-7",
		VendorClass: "android-dhcp-13",
		ParamList:   "1,3,6,15,26,28",
		MsgType:     "Request",
		ClientIP:    "192.168.1.50",
		LastSeen:    t0.Add(time.Second),
		Count:       2,
	}, phone)

	assert.Equal(t, uint64(1), c.Invalid())
	assert.Zero(t, c.Dropped())
}

func TestCollectorDropsWhenBehind(t *testing.T) {
	c := New(16, time.Hour)
	f := frame(t, macPhone, layers.IPProtocolUDP, 68, 67, dhcpRequest(macPhone, layers.DHCPMsgTypeDiscover, "p"), t0)
	ip, ok := f.IPv4()
	require.True(t, ok)

	// No worker is running, so the queue fills up.
	for i := 0; i < queueSize+5; i++ {
		c.onRequest(f, nil, ip)
	}
	assert.Equal(t, uint64(5), c.Dropped())
}

func TestCollectorCloseWithoutStart(t *testing.T) {
	c := New(4, time.Minute)
	assert.NoError(t, c.Close())
}

func TestCollectorTableFull(t *testing.T) {
	table := pktmatch.NewTable()
	for i := 0; i < pktmatch.TableSize; i++ {
		require.NoError(t, table.Register(&pktmatch.Rule{Port: pktmatch.PortMatch{Tests: pktmatch.PortTCPOnly}}))
	}
	c := New(4, time.Minute)
	err := c.Start(table)
	require.Error(t, err)
	assert.ErrorIs(t, err, pktmatch.ErrFull)
	assert.NoError(t, c.Close())
}
