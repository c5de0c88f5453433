package pktmatch

import "net/netip"

// EthTest selects Ethernet address predicates. All selected predicates must
// hold; EthMatch.NegateAddr inverts their combined result.
type EthTest uint16

const (
	EthSrcIface EthTest = 1 << iota // source MAC is the capturing interface's MAC
	EthDstIface                     // destination MAC is the capturing interface's MAC
	EthSrcMAC                       // source MAC equals EthMatch.MAC
	EthDstMAC                       // destination MAC equals EthMatch.MAC
	EthAnyMAC                       // either MAC equals EthMatch.MAC
	EthSrcUnicast
	EthDstUnicast
	EthAnyUnicast
	EthSrcMulticast
	EthDstMulticast
	EthAnyMulticast
)

// EthMatch is the Ethernet layer of a Rule.
type EthMatch struct {
	Tests      EthTest
	MAC        [6]byte
	NegateAddr bool

	CheckType  bool
	EtherType  uint16 // host order
	NegateType bool
}

// Empty reports whether the layer selects nothing at all.
func (m *EthMatch) Empty() bool {
	return m.Tests == 0 && !m.NegateAddr && !m.CheckType && !m.NegateType
}

// IPTest selects IPv4 address predicates. Addr1 and Addr2 are compared for
// equality, Addr2 acts as the netmask for the subnet tests and as the upper
// bound for the range tests. An unset address stands for 0.0.0.0.
type IPTest uint16

const (
	IPSrcAddr1 IPTest = 1 << iota
	IPDstAddr1
	IPAnyAddr1
	IPSrcAddr2
	IPDstAddr2
	IPAnyAddr2
	IPDstIface // destination is the capturing interface's own IP
	IPSrcSubnet
	IPDstSubnet
	IPAnySubnet
	IPSrcRange
	IPDstRange
	IPAnyRange
)

// IPMatch is the IPv4 layer of a Rule.
type IPMatch struct {
	Tests      IPTest
	Addr1      netip.Addr
	Addr2      netip.Addr
	NegateAddr bool

	CheckProto  bool
	Proto       uint8
	NegateProto bool
}

func (m *IPMatch) Empty() bool {
	return m.Tests == 0 && !m.NegateAddr && !m.CheckProto && !m.NegateProto
}

// PortTest selects TCP/UDP port predicates. PortTCPOnly and PortUDPOnly are
// filters on the transport protocol and are not affected by PortMatch.Negate.
type PortTest uint16

const (
	PortSrc1 PortTest = 1 << iota
	PortDst1
	PortAny1
	PortSrc2
	PortDst2
	PortAny2
	PortSrcRange // Port1 <= src <= Port2
	PortDstRange
	PortAnyRange
	PortTCPOnly
	PortUDPOnly
)

// PortMatch is the transport layer of a Rule. Ports are in host order.
type PortMatch struct {
	Tests  PortTest
	Port1  uint16
	Port2  uint16
	Negate bool
}

func (m *PortMatch) Empty() bool {
	return m.Tests == 0 && !m.Negate
}

type (
	// EthFunc is called with the matched frame once the Ethernet predicates
	// and every other selected layer of the rule have matched.
	EthFunc func(f *Frame, r *Rule)
	// IPFunc is called when the rule matched and the frame carries IPv4.
	IPFunc func(f *Frame, r *Rule, ip IPv4Header)
	// StatsFunc is called once per capture interval.
	StatsFunc func(s *IfaceStats)
)

// Rule is a frame classification rule. A rule is owned by the consumer that
// registers it and must not be modified while it is registered; the table
// keeps a reference, not a copy.
//
// Callbacks run on the capture goroutine. They must return quickly, must
// not block and must not call Deregister on the table that invoked them.
type Rule struct {
	Eth  EthMatch
	IP   IPMatch
	Port PortMatch

	OnEth      EthFunc
	OnIP       IPFunc
	OnInterval StatsFunc

	// Chain, if set, is evaluated after this rule matched and its result is
	// ANDed into this rule's result. The chained rule is not owned and must
	// stay valid while this rule is registered.
	Chain *Rule

	Description string

	entry slotEntry
}

func (r *Rule) String() string {
	if r.Description == "" {
		return "<rule>"
	}
	return r.Description
}
