//go:build !linux

package capture

import "time"

type AFPacket struct{ Source }

func NewAFPacket(iface string, snapLen int, pollTimeout time.Duration, ipv4Only bool) (*AFPacket, error) {
	return nil, ErrUnsupported
}
