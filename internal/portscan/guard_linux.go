//go:build linux

package portscan

import (
	"fmt"
	"strconv"

	"sigs.k8s.io/knftables"

	"github.com/sunbk201/netprobe/internal/netfilter"
)

const (
	guardTable = "netprobe_scan"
	guardChain = "NETPROBE_SCAN"
)

// NewGuard returns a firewall that drops the RSTs the kernel sends for
// SYN|ACKs arriving at srcPort, which it never opened a socket for.
func NewGuard(srcPort uint16) *netfilter.Firewall {
	nft := &netfilter.NftChain{
		Family:   knftables.IPv4Family,
		Table:    guardTable,
		Chain:    "output",
		Type:     knftables.FilterType,
		Hook:     knftables.OutputHook,
		Priority: knftables.FilterPriority,
		Rules: []string{
			fmt.Sprintf("tcp sport %d tcp flags & rst == rst counter drop", srcPort),
		},
	}
	port := strconv.Itoa(int(srcPort))
	ipt := &netfilter.IptChain{
		Table:     "filter",
		Chain:     guardChain,
		JumpPoint: "OUTPUT",
		Jump:      []string{"-p", "tcp", "--sport", port},
		Rules: [][]string{
			{"-p", "tcp", "--tcp-flags", "RST", "RST", "-j", "DROP"},
		},
	}
	return &netfilter.Firewall{
		Name:       "scan-rst-guard",
		NftSetup:   nft.Setup,
		NftCleanup: nft.Cleanup,
		IptSetup:   ipt.Setup,
		IptCleanup: ipt.Cleanup,
	}
}
