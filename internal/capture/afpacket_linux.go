//go:build linux

package capture

import (
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/pkg/errors"
)

// ringSizeMB keeps the TPACKET_V3 ring small enough for router-class memory.
const ringSizeMB = 2

// AFPacket is a live capture source on a TPACKET_V3 memory-mapped ring.
type AFPacket struct {
	handle *afpacket.TPacket
	iface  string
}

// NewAFPacket opens iface for capture. With ipv4Only the kernel drops
// everything but IPv4 and ARP before it reaches the ring.
func NewAFPacket(iface string, snapLen int, pollTimeout time.Duration, ipv4Only bool) (*AFPacket, error) {
	frameSize, blockSize, numBlocks, err := ringSize(ringSizeMB, snapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open af_packet on %s", iface)
	}

	if ipv4Only {
		filter, err := ipv4OnlyFilter(snapLen)
		if err == nil {
			err = tp.SetBPF(filter)
		}
		if err != nil {
			tp.Close()
			return nil, errors.Wrapf(err, "set filter on %s", iface)
		}
	}
	return &AFPacket{handle: tp, iface: iface}, nil
}

// ReadPacketData returns a view into the ring; it is valid until the next call.
func (s *AFPacket) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.handle.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, ErrTimeout
	}
	return data, ci, err
}

func (s *AFPacket) Stats() (SourceStats, error) {
	_, v3, err := s.handle.SocketStats()
	if err != nil {
		return SourceStats{}, errors.Wrapf(err, "socket stats on %s", s.iface)
	}
	return SourceStats{Packets: uint64(v3.Packets()), Drops: uint64(v3.Drops())}, nil
}

func (s *AFPacket) Close() error {
	s.handle.Close()
	return nil
}
