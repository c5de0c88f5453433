//go:build linux

package capture

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

// LookupIface resolves the MAC and primary IPv4 address of an interface
// over rtnetlink.
func LookupIface(name string) (*pktmatch.Iface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, errors.Wrapf(ErrNoInterface, "%s: %v", name, err)
	}
	attrs := link.Attrs()
	if len(attrs.HardwareAddr) != 6 {
		return nil, errors.Wrapf(ErrNoInterface, "%s: not an ethernet interface", name)
	}
	iface := &pktmatch.Iface{Name: name, Index: attrs.Index}
	copy(iface.MAC[:], attrs.HardwareAddr)

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrapf(err, "list addresses of %s", name)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IPNet.IP.To4())
		mask, okMask := netip.AddrFromSlice(net.IP(a.IPNet.Mask).To4())
		if ok && okMask && mask.Is4() {
			iface.IP, iface.Mask = ip, mask
			break
		}
	}
	return iface, nil
}
