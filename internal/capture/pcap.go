package capture

import (
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// PcapFile replays a pcap file. ReadPacketData returns io.EOF at the end.
type PcapFile struct {
	f       *os.File
	r       *pcapgo.Reader
	packets uint64
}

func NewPcapFile(path string) (*PcapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open pcap file")
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "read pcap header of %s", path)
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		_ = f.Close()
		return nil, errors.Errorf("pcap %s: unsupported link type %s", path, lt)
	}
	return &PcapFile{f: f, r: r}, nil
}

func (p *PcapFile) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := p.r.ZeroCopyReadPacketData()
	if err == nil {
		p.packets++
	}
	return data, ci, err
}

func (p *PcapFile) Stats() (SourceStats, error) {
	return SourceStats{Packets: p.packets}, nil
}

func (p *PcapFile) Close() error {
	return p.f.Close()
}
