//go:build linux

package portscan

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

const probeTTL = 64

type rawSender struct {
	fd  int
	src net.IP
	buf gopacket.SerializeBuffer
}

// NewRawSender opens an IPPROTO_RAW socket bound to iface. Packets carry
// their own IPv4 header with the interface address as source.
func NewRawSender(iface *pktmatch.Iface) (Sender, error) {
	if !iface.IP.Is4() {
		return nil, errors.Errorf("interface %s has no IPv4 address", iface.Name)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, errors.Wrap(err, "raw socket")
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface.Name); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "bind raw socket to %s", iface.Name)
	}
	return &rawSender{
		fd:  fd,
		src: net.IP(iface.IP.AsSlice()),
		buf: gopacket.NewSerializeBuffer(),
	}, nil
}

func (s *rawSender) SendSYN(dst netip.Addr, sport, dport uint16, seq uint32) error {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      probeTTL,
		Id:       uint16(seq) ^ dport,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    s.src,
		DstIP:    net.IP(dst.AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		SYN:     true,
		Window:  1024,
		Options: []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{0x05, 0xb4},
		}},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(s.buf, opts, ip, tcp); err != nil {
		return errors.Wrap(err, "serialize syn")
	}
	addr := &unix.SockaddrInet4{Addr: dst.As4()}
	return unix.Sendto(s.fd, s.buf.Bytes(), 0, addr)
}

func (s *rawSender) Close() error {
	return unix.Close(s.fd)
}
