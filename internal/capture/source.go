// Package capture feeds frames from a link-layer source into a pktmatch
// table and drives the per-interval statistics cycle.
package capture

import (
	"github.com/google/gopacket"
	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned by a live source when no frame arrived within
	// the poll timeout. It is not a failure.
	ErrTimeout = errors.New("capture: read timeout")
	// ErrNoInterface means the named interface does not exist or has no
	// usable link-layer address.
	ErrNoInterface = errors.New("capture: no such interface")
	// ErrUnsupported is returned for sources the platform cannot provide.
	ErrUnsupported = errors.New("capture: not supported on this platform")
)

// Source yields captured frames. The data returned by ReadPacketData may be
// reused by the next call.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	// Stats returns counters accumulated since the source was opened.
	Stats() (SourceStats, error)
	Close() error
}

// SourceStats are driver-level counters.
type SourceStats struct {
	Packets uint64
	Drops   uint64
}
