package ssdp

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
	macTV    = [6]byte{0x70, 0x2a, 0xd5, 0x0a, 0x0b, 0x0c}
	macPhone = [6]byte{0x3c, 0x22, 0xfb, 0x01, 0x02, 0x03}
	macMcast = [6]byte{0x01, 0x00, 0x5e, 0x7f, 0xff, 0xfa}

	testIface = &pktmatch.Iface{Name: "br-lan", MAC: macIface}
	t0        = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

const notify = "NOTIFY * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"CACHE-CONTROL: max-age=1800\r\n" +
	"LOCATION: http://192.168.1.30:49152/description.xml\r\n" +
	"NT: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
	"NTS: ssdp:alive\r\n" +
	"Server: Linux/4.9 UPnP/1.0 Cling/2.0\r\n" +
	"USN: uuid:5f9ec1b3-ed59-79bb-4530-745d3f2f4b2a::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
	"\r\n"

const msearch = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 1\r\n" +
	"ST: ssdp:all\r\n" +
	"USER-AGENT:   Android/13 UPnP/1.1 Chromecast/1.0  \r\n" +
	"\r\n"

func frame(tb testing.TB, srcMAC, dstMAC [6]byte, src, dst string, sport, dport uint16, payload string, at time.Time) *pktmatch.Frame {
	tb.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(srcMAC[:]),
		DstMAC:       net.HardwareAddr(dstMAC[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 4, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(tb, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return &pktmatch.Frame{Iface: testIface, Data: buf.Bytes(), Timestamp: at}
}

func TestParse(t *testing.T) {
	dev, err := parse(message{payload: []byte(notify), at: t0})
	require.NoError(t, err)
	assert.Equal(t, "NOTIFY", dev.Method)
	assert.Equal(t, "Linux/4.9 UPnP/1.0 Cling/2.0", dev.Server)
	assert.Equal(t, "http://192.168.1.30:49152/description.xml", dev.Location)
	assert.Equal(t, "urn:schemas-upnp-org:device:MediaRenderer:1", dev.Target)
	assert.Equal(t, "uuid:5f9ec1b3-ed59-79bb-4530-745d3f2f4b2a::urn:schemas-upnp-org:device:MediaRenderer:1", dev.USN)

	dev, err = parse(message{payload: []byte(msearch), at: t0})
	require.NoError(t, err)
	assert.Equal(t, "M-SEARCH", dev.Method)
	assert.Equal(t, "Android/13 UPnP/1.1 Chromecast/1.0", dev.UserAgent)
	assert.Equal(t, "ssdp:all", dev.Target)

	_, err = parse(message{payload: []byte("HTTP/1.1 200 OK\r\n\r\n")})
	assert.Error(t, err)
	_, err = parse(message{payload: []byte("garbage")})
	assert.Error(t, err)
}

func TestCollector(t *testing.T) {
	table := pktmatch.NewTable()
	c := New(16, time.Hour)
	require.NoError(t, c.Start(table))

	table.Dispatch(frame(t, macTV, macMcast, "192.168.1.30", "239.255.255.250", 1900, 1900, notify, t0))
	table.Dispatch(frame(t, macPhone, macMcast, "192.168.1.40", "239.255.255.250", 50123, 1900, msearch, t0.Add(time.Second)))
	table.Dispatch(frame(t, macTV, macMcast, "192.168.1.30", "239.255.255.250", 1900, 1900, notify, t0.Add(2*time.Second)))

	// Unicast SSDP replies and multicast to other groups are not collected.
	table.Dispatch(frame(t, macTV, macPhone, "192.168.1.30", "192.168.1.40", 1900, 50123, "HTTP/1.1 200 OK\r\n\r\n", t0))
	table.Dispatch(frame(t, macTV, [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}, "192.168.1.30", "224.0.0.251", 5353, 5353, notify, t0))
	// Malformed payload to the SSDP group.
	table.Dispatch(frame(t, macPhone, macMcast, "192.168.1.40", "239.255.255.250", 50123, 1900, "hello", t0))

	require.NoError(t, c.Close())
	assert.Zero(t, table.Len())

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "192.168.1.30", devices[0].IP)

	tv, ok := c.Lookup("192.168.1.30")
	require.True(t, ok)
	assert.Equal(t, 2, tv.Count)
	assert.Equal(t, "70:2a:d5:0a:0b:0c", tv.MAC)
	assert.Equal(t, t0.Add(2*time.Second), tv.LastSeen)

	phone, ok := c.Lookup("192.168.1.40")
	require.True(t, ok)
	assert.Equal(t, "Android/13 UPnP/1.1 Chromecast/1.0", phone.UserAgent)

	assert.Equal(t, uint64(1), c.Invalid())
	assert.Zero(t, c.Dropped())
}
