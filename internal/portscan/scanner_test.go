package portscan

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

const srcPort = 47001

var (
	targetMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	target    = netip.MustParseAddr("192.168.1.20")
	testIface = &pktmatch.Iface{
		Name: "br-lan",
		MAC:  [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		IP:   netip.MustParseAddr("192.168.1.1"),
		Mask: netip.MustParseAddr("255.255.255.0"),
	}
)

type answer struct {
	flags    uint8
	ackDelta uint32 // added to seq+1
	from     netip.Addr
}

// fakeSender answers probes by dispatching synthetic frames into the table,
// as the capture goroutine would.
type fakeSender struct {
	tb      testing.TB
	table   *pktmatch.Table
	answers map[uint16]answer
	sent    []uint16
	closed  bool
}

func (s *fakeSender) SendSYN(dst netip.Addr, sport, dport uint16, seq uint32) error {
	assert.Equal(s.tb, target, dst)
	assert.Equal(s.tb, uint16(srcPort), sport)
	s.sent = append(s.sent, dport)
	a, ok := s.answers[dport]
	if !ok {
		return nil
	}
	from := a.from
	if !from.IsValid() {
		from = dst
	}
	data := responseFrame(s.tb, from, dport, sport, seq+1+a.ackDelta, a.flags)
	s.table.Dispatch(&pktmatch.Frame{Iface: testIface, Data: data, OrigLen: len(data), Timestamp: time.Now()})
	return nil
}

func (s *fakeSender) Close() error {
	s.closed = true
	return nil
}

func responseFrame(tb testing.TB, from netip.Addr, sport, dport uint16, ack uint32, flags uint8) []byte {
	tb.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       targetMAC,
		DstMAC:       net.HardwareAddr(testIface.MAC[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(from.AsSlice()),
		DstIP:    net.IP(testIface.IP.AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     7,
		Ack:     ack,
		SYN:     flags&pktmatch.TCPFlagSYN != 0,
		ACK:     flags&pktmatch.TCPFlagACK != 0,
		RST:     flags&pktmatch.TCPFlagRST != 0,
		Window:  1024,
	}
	require.NoError(tb, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(tb, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func newTestScanner(t *testing.T, answers map[uint16]answer) (*Scanner, *fakeSender) {
	table := pktmatch.NewTable()
	sender := &fakeSender{tb: t, table: table, answers: answers}
	return &Scanner{
		Table:   table,
		Iface:   testIface,
		SrcPort: srcPort,
		Timeout: 50 * time.Millisecond,
		Rate:    10000,
		NewSender: func(iface *pktmatch.Iface) (Sender, error) {
			assert.Same(t, testIface, iface)
			return sender, nil
		},
	}, sender
}

func states(res *Result) map[uint16]PortState {
	m := make(map[uint16]PortState, len(res.Ports))
	for _, p := range res.Ports {
		m[p.Port] = p.State
	}
	return m
}

func TestScanClassifiesPorts(t *testing.T) {
	synAck := uint8(pktmatch.TCPFlagSYN | pktmatch.TCPFlagACK)
	rstAck := uint8(pktmatch.TCPFlagRST | pktmatch.TCPFlagACK)
	scanner, sender := newTestScanner(t, map[uint16]answer{
		22:  {flags: synAck},
		80:  {flags: synAck},
		443: {flags: rstAck},
		// Answers that must be ignored.
		8080: {flags: synAck, ackDelta: 5},
		8443: {flags: synAck, from: netip.MustParseAddr("192.168.1.21")},
		9000: {flags: pktmatch.TCPFlagACK},
	})

	ports := []uint16{22, 53, 80, 443, 8080, 8443, 9000}
	res, err := scanner.Scan(context.Background(), target, ports)
	require.NoError(t, err)

	assert.Equal(t, ports, sender.sent)
	assert.True(t, sender.closed)
	assert.Equal(t, target, res.Target)
	assert.Equal(t, []uint16{22, 80}, res.Open)
	assert.Equal(t, map[uint16]PortState{
		22:   Open,
		53:   Filtered,
		80:   Open,
		443:  Closed,
		8080: Filtered,
		8443: Filtered,
		9000: Filtered,
	}, states(res))
	assert.Zero(t, scanner.Table.Len())
}

func TestScanFinishesEarlyWhenAllAnswered(t *testing.T) {
	scanner, _ := newTestScanner(t, map[uint16]answer{
		22: {flags: pktmatch.TCPFlagSYN | pktmatch.TCPFlagACK},
		23: {flags: pktmatch.TCPFlagRST},
	})
	scanner.Timeout = time.Minute

	start := time.Now()
	res, err := scanner.Scan(context.Background(), target, []uint16{22, 23})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, map[uint16]PortState{22: Open, 23: Closed}, states(res))
}

func TestScanRejectsBadInput(t *testing.T) {
	scanner, sender := newTestScanner(t, nil)

	_, err := scanner.Scan(context.Background(), netip.MustParseAddr("fe80::1"), []uint16{22})
	assert.Error(t, err)
	_, err = scanner.Scan(context.Background(), target, nil)
	assert.Error(t, err)
	assert.Empty(t, sender.sent)
}

func TestScanWaitsForTableSlot(t *testing.T) {
	scanner, sender := newTestScanner(t, nil)
	fill := make([]*pktmatch.Rule, pktmatch.TableSize)
	for i := range fill {
		fill[i] = &pktmatch.Rule{Port: pktmatch.PortMatch{Tests: pktmatch.PortUDPOnly}}
		require.NoError(t, scanner.Table.Register(fill[i]))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := scanner.Scan(ctx, target, []uint16{22})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sender.sent)

	// A slot freed while the scan waits lets it proceed.
	go func() {
		time.Sleep(2 * registerBackoff)
		scanner.Table.Deregister(fill[0])
	}()
	res, err := scanner.Scan(context.Background(), target, []uint16{22})
	require.NoError(t, err)
	assert.Equal(t, Filtered, res.Ports[0].State)
	assert.Equal(t, pktmatch.TableSize-1, scanner.Table.Len())
}

func TestScanCanceled(t *testing.T) {
	scanner, _ := newTestScanner(t, nil)
	scanner.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := scanner.Scan(ctx, target, []uint16{22})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, scanner.Table.Len())
}

func TestPortStateText(t *testing.T) {
	for state, want := range map[PortState]string{Open: "open", Closed: "closed", Filtered: "filtered"} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}

func TestScannersFor(t *testing.T) {
	lan := &Scanner{Iface: testIface}
	guest := &Scanner{Iface: &pktmatch.Iface{
		Name: "br-guest",
		IP:   netip.MustParseAddr("10.10.0.1"),
		Mask: netip.MustParseAddr("255.255.0.0"),
	}}
	ss := Scanners{lan, guest}

	assert.Same(t, lan, ss.For(netip.MustParseAddr("192.168.1.77")))
	assert.Same(t, guest, ss.For(netip.MustParseAddr("10.10.3.4")))
	assert.Same(t, lan, ss.For(netip.MustParseAddr("8.8.8.8")))
	assert.Nil(t, Scanners{}.For(target))

	_, err := Scanners{}.Scan(context.Background(), target, []uint16{22})
	assert.Error(t, err)
}
