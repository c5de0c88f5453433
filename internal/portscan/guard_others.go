//go:build !linux

package portscan

import "github.com/sunbk201/netprobe/internal/netfilter"

func NewGuard(uint16) *netfilter.Firewall {
	return nil
}
