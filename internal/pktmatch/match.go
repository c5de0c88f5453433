package pktmatch

import "net/netip"

// Match evaluates r against f and fires r's callbacks (and those of its
// chain) on success. Truncated or non-IPv4 frames never error; a layer whose
// header was not fully captured simply does not match.
func Match(r *Rule, f *Frame) bool {
	if r.Eth.Empty() && r.IP.Empty() && r.Port.Empty() {
		return false
	}

	eth, ok := f.Eth()
	if !ok {
		return false
	}

	if !r.Eth.Empty() && !matchEth(&r.Eth, eth, f.Iface) {
		return false
	}

	ip, hasIP := f.IPv4()
	if (!r.IP.Empty() || !r.Port.Empty()) && !hasIP {
		return false
	}

	if !r.IP.Empty() && !matchIP(&r.IP, ip, f.Iface) {
		return false
	}

	if !r.Port.Empty() && !matchPort(&r.Port, ip) {
		return false
	}

	if r.OnEth != nil && !r.Eth.Empty() {
		r.OnEth(f, r)
	}
	if r.OnIP != nil && hasIP {
		r.OnIP(f, r, ip)
	}

	if r.Chain != nil {
		return Match(r.Chain, f)
	}
	return true
}

func matchEth(m *EthMatch, eth EthHeader, iface *Iface) bool {
	src, dst := eth.Src(), eth.Dst()

	addr := true
	t := m.Tests
	if t&EthSrcIface != 0 {
		addr = addr && iface != nil && src == iface.MAC
	}
	if t&EthDstIface != 0 {
		addr = addr && iface != nil && dst == iface.MAC
	}
	if t&EthSrcMAC != 0 {
		addr = addr && src == m.MAC
	}
	if t&EthDstMAC != 0 {
		addr = addr && dst == m.MAC
	}
	if t&EthAnyMAC != 0 {
		addr = addr && (src == m.MAC || dst == m.MAC)
	}
	if t&EthSrcUnicast != 0 {
		addr = addr && !isMulticast(src)
	}
	if t&EthDstUnicast != 0 {
		addr = addr && !isMulticast(dst)
	}
	if t&EthAnyUnicast != 0 {
		addr = addr && (!isMulticast(src) || !isMulticast(dst))
	}
	if t&EthSrcMulticast != 0 {
		addr = addr && isMulticast(src)
	}
	if t&EthDstMulticast != 0 {
		addr = addr && isMulticast(dst)
	}
	if t&EthAnyMulticast != 0 {
		addr = addr && (isMulticast(src) || isMulticast(dst))
	}
	addr = addr != m.NegateAddr

	typ := true
	if m.CheckType {
		typ = eth.Type() == m.EtherType
	}
	typ = typ != m.NegateType

	return addr && typ
}

func matchIP(m *IPMatch, ip IPv4Header, iface *Iface) bool {
	// Addresses compare as integers, so a zero Addr1 or Addr2 is 0.0.0.0.
	s, d := u32(ip.Src()), u32(ip.Dst())
	a1, a2 := u32(m.Addr1), u32(m.Addr2)

	addr := true
	t := m.Tests
	if t&IPSrcAddr1 != 0 {
		addr = addr && s == a1
	}
	if t&IPDstAddr1 != 0 {
		addr = addr && d == a1
	}
	if t&IPAnyAddr1 != 0 {
		addr = addr && (s == a1 || d == a1)
	}
	if t&IPSrcAddr2 != 0 {
		addr = addr && s == a2
	}
	if t&IPDstAddr2 != 0 {
		addr = addr && d == a2
	}
	if t&IPAnyAddr2 != 0 {
		addr = addr && (s == a2 || d == a2)
	}
	if t&IPDstIface != 0 {
		addr = addr && iface != nil && iface.IP.Is4() && d == u32(iface.IP)
	}
	if t&IPSrcSubnet != 0 {
		addr = addr && s&a2 == a1&a2
	}
	if t&IPDstSubnet != 0 {
		addr = addr && d&a2 == a1&a2
	}
	if t&IPAnySubnet != 0 {
		addr = addr && (s&a2 == a1&a2 || d&a2 == a1&a2)
	}
	if t&IPSrcRange != 0 {
		addr = addr && a1 <= s && s <= a2
	}
	if t&IPDstRange != 0 {
		addr = addr && a1 <= d && d <= a2
	}
	if t&IPAnyRange != 0 {
		addr = addr && ((a1 <= s && s <= a2) || (a1 <= d && d <= a2))
	}
	addr = addr != m.NegateAddr

	proto := true
	if m.CheckProto {
		proto = ip.Proto() == m.Proto
	}
	proto = proto != m.NegateProto

	return addr && proto
}

func matchPort(m *PortMatch, ip IPv4Header) bool {
	proto := ip.Proto()
	data, need := transport(ip)
	if need == 0 || len(data) < need {
		return false
	}
	// TCP and UDP both start with source and destination port.
	src, dst := UDPHeader(data).SrcPort(), UDPHeader(data).DstPort()

	port := true
	t := m.Tests
	if t&PortSrc1 != 0 {
		port = port && src == m.Port1
	}
	if t&PortDst1 != 0 {
		port = port && dst == m.Port1
	}
	if t&PortAny1 != 0 {
		port = port && (src == m.Port1 || dst == m.Port1)
	}
	if t&PortSrc2 != 0 {
		port = port && src == m.Port2
	}
	if t&PortDst2 != 0 {
		port = port && dst == m.Port2
	}
	if t&PortAny2 != 0 {
		port = port && (src == m.Port2 || dst == m.Port2)
	}
	if t&PortSrcRange != 0 {
		port = port && m.Port1 <= src && src <= m.Port2
	}
	if t&PortDstRange != 0 {
		port = port && m.Port1 <= dst && dst <= m.Port2
	}
	if t&PortAnyRange != 0 {
		port = port && ((m.Port1 <= src && src <= m.Port2) || (m.Port1 <= dst && dst <= m.Port2))
	}
	port = port != m.Negate

	if t&PortTCPOnly != 0 {
		port = port && proto == ProtoTCP
	}
	if t&PortUDPOnly != 0 {
		port = port && proto == ProtoUDP
	}
	return port
}

// u32 returns an IPv4 address as a host-order integer, or 0 for anything
// that is not IPv4.
func u32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
