package portscan

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

var ErrUnsupported = errors.New("portscan: raw sockets not supported on this platform")

// Sender emits TCP SYN probes.
type Sender interface {
	SendSYN(dst netip.Addr, sport, dport uint16, seq uint32) error
	Close() error
}

// SenderFunc opens a Sender bound to iface.
type SenderFunc func(iface *pktmatch.Iface) (Sender, error)
