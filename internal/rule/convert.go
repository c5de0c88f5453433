package rule

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sunbk201/netprobe/internal/config"
	"github.com/sunbk201/netprobe/internal/pktmatch"
)

var etherTypes = map[string]uint16{
	"IPV4": pktmatch.EtherTypeIPv4,
	"ARP":  pktmatch.EtherTypeARP,
	"VLAN": 0x8100,
	"IPV6": 0x86dd,
	"LLDP": 0x88cc,
}

var ipProtos = map[string]uint8{
	"ICMP": 1,
	"IGMP": 2,
	"TCP":  pktmatch.ProtoTCP,
	"UDP":  pktmatch.ProtoUDP,
	"GRE":  47,
}

// toMatch converts one config entry into a pktmatch rule without callbacks.
func toMatch(r *config.Rule) (*pktmatch.Rule, error) {
	m := &pktmatch.Rule{Description: r.String()}
	v := strings.TrimSpace(r.MatchValue)

	switch config.RuleType(r.Type) {
	case config.RuleTypeSrcMAC, config.RuleTypeDstMAC:
		mac, err := net.ParseMAC(v)
		if err != nil || len(mac) != 6 {
			return nil, errors.Errorf("invalid MAC %q", v)
		}
		copy(m.Eth.MAC[:], mac)
		m.Eth.Tests = pktmatch.EthSrcMAC
		if r.Type == string(config.RuleTypeDstMAC) {
			m.Eth.Tests = pktmatch.EthDstMAC
		}
		m.Eth.NegateAddr = r.Negate

	case config.RuleTypeEtherType:
		t, ok := etherTypes[strings.ToUpper(v)]
		if !ok {
			n, err := strconv.ParseUint(v, 0, 16)
			if err != nil {
				return nil, errors.Errorf("invalid ether type %q", v)
			}
			t = uint16(n)
		}
		m.Eth.CheckType = true
		m.Eth.EtherType = t
		m.Eth.NegateType = r.Negate

	case config.RuleTypeSrcIP, config.RuleTypeDstIP, config.RuleTypeIPCIDR:
		if err := setAddr(&m.IP, config.RuleType(r.Type), v); err != nil {
			return nil, err
		}
		m.IP.NegateAddr = r.Negate

	case config.RuleTypeIPRange:
		lo, hi, ok := strings.Cut(v, "-")
		if !ok {
			return nil, errors.Errorf("invalid IP range %q", v)
		}
		a1, err1 := netip.ParseAddr(strings.TrimSpace(lo))
		a2, err2 := netip.ParseAddr(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || !a1.Is4() || !a2.Is4() || a2.Less(a1) {
			return nil, errors.Errorf("invalid IP range %q", v)
		}
		m.IP.Tests = pktmatch.IPAnyRange
		m.IP.Addr1, m.IP.Addr2 = a1, a2
		m.IP.NegateAddr = r.Negate

	case config.RuleTypeIPProto:
		p, ok := ipProtos[strings.ToUpper(v)]
		if !ok {
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				return nil, errors.Errorf("invalid IP protocol %q", v)
			}
			p = uint8(n)
		}
		setProto(m, p, r.Negate)

	case config.RuleTypeTCP:
		setProto(m, pktmatch.ProtoTCP, r.Negate)

	case config.RuleTypeUDP:
		setProto(m, pktmatch.ProtoUDP, r.Negate)

	case config.RuleTypeSrcPort, config.RuleTypeDestPort:
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, errors.Errorf("invalid port %q", v)
		}
		m.Port.Tests = pktmatch.PortSrc1
		if r.Type == string(config.RuleTypeDestPort) {
			m.Port.Tests = pktmatch.PortDst1
		}
		m.Port.Port1 = uint16(port)
		m.Port.Negate = r.Negate

	case config.RuleTypePortRange:
		lo, hi, ok := strings.Cut(v, "-")
		p1, err1 := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
		p2, err2 := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if !ok || err1 != nil || err2 != nil || p2 < p1 {
			return nil, errors.Errorf("invalid port range %q", v)
		}
		m.Port.Tests = pktmatch.PortAnyRange
		m.Port.Port1, m.Port.Port2 = uint16(p1), uint16(p2)
		m.Port.Negate = r.Negate

	default:
		return nil, errors.Errorf("unsupported rule type %q", r.Type)
	}
	return m, nil
}

// setAddr accepts a single address or a CIDR prefix.
func setAddr(m *pktmatch.IPMatch, typ config.RuleType, v string) error {
	if !strings.Contains(v, "/") {
		if typ == config.RuleTypeIPCIDR {
			v += "/32"
		} else {
			addr, err := netip.ParseAddr(v)
			if err != nil || !addr.Is4() {
				return errors.Errorf("invalid IPv4 address %q", v)
			}
			m.Addr1 = addr
			m.Tests = pktmatch.IPSrcAddr1
			if typ == config.RuleTypeDstIP {
				m.Tests = pktmatch.IPDstAddr1
			}
			return nil
		}
	}
	prefix, err := netip.ParsePrefix(v)
	if err != nil || !prefix.Addr().Is4() {
		return errors.Errorf("invalid IPv4 prefix %q", v)
	}
	m.Addr1 = prefix.Masked().Addr()
	m.Addr2 = maskAddr(prefix.Bits())
	switch typ {
	case config.RuleTypeSrcIP:
		m.Tests = pktmatch.IPSrcSubnet
	case config.RuleTypeDstIP:
		m.Tests = pktmatch.IPDstSubnet
	default:
		m.Tests = pktmatch.IPAnySubnet
	}
	return nil
}

func maskAddr(bits int) netip.Addr {
	mask := net.CIDRMask(bits, 32)
	return netip.AddrFrom4([4]byte(mask))
}

func setProto(m *pktmatch.Rule, proto uint8, negate bool) {
	m.IP.CheckProto = true
	m.IP.Proto = proto
	m.IP.NegateProto = negate
}
