//go:build !linux

package capture

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

// LookupIface resolves the MAC and primary IPv4 address of an interface.
func LookupIface(name string) (*pktmatch.Iface, error) {
	ni, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Wrapf(ErrNoInterface, "%s: %v", name, err)
	}
	if len(ni.HardwareAddr) != 6 {
		return nil, errors.Wrapf(ErrNoInterface, "%s: not an ethernet interface", name)
	}
	iface := &pktmatch.Iface{Name: name, Index: ni.Index}
	copy(iface.MAC[:], ni.HardwareAddr)

	addrs, err := ni.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "list addresses of %s", name)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil {
			continue
		}
		ip, _ := netip.AddrFromSlice(ipn.IP.To4())
		mask, _ := netip.AddrFromSlice(net.IP(ipn.Mask).To4())
		iface.IP, iface.Mask = ip, mask
		break
	}
	return iface, nil
}
