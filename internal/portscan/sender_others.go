//go:build !linux

package portscan

import "github.com/sunbk201/netprobe/internal/pktmatch"

func NewRawSender(*pktmatch.Iface) (Sender, error) {
	return nil, ErrUnsupported
}
