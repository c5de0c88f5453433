package capture

import (
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

// ipv4OnlyFilter accepts IPv4 and ARP frames, truncated to snapLen, and
// drops everything else in the kernel.
func ipv4OnlyFilter(snapLen int) ([]bpf.RawInstruction, error) {
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: pktmatch.EtherTypeIPv4, SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: pktmatch.EtherTypeARP, SkipFalse: 1},
		bpf.RetConstant{Val: uint32(snapLen)},
		bpf.RetConstant{Val: 0},
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, errors.Wrap(err, "assemble ipv4 filter")
	}
	return raw, nil
}
