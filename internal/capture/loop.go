package capture

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

// Loop is the capture goroutine for one interface. It is the only caller of
// Dispatch and CycleComplete on its table.
type Loop struct {
	Table    *pktmatch.Table
	Source   Source
	Iface    *pktmatch.Iface
	Interval time.Duration

	frame pktmatch.Frame
	stats pktmatch.IfaceStats
	last  SourceStats
}

// Run reads frames until ctx is done or the source is exhausted. A final
// partial interval is reported before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.frame = pktmatch.Frame{Iface: l.Iface}
	l.stats = pktmatch.IfaceStats{Iface: l.Iface}
	l.last = SourceStats{}

	log := logrus.WithField("iface", l.Iface.Name)
	log.Info("capture started")
	defer log.Info("capture stopped")

	for {
		if ctx.Err() != nil {
			l.cycle(time.Now())
			return nil
		}

		data, ci, err := l.Source.ReadPacketData()
		now := ci.Timestamp
		switch {
		case err == nil:
			if now.IsZero() {
				now = time.Now()
			}
			if l.stats.Start.IsZero() {
				l.stats.Start = now
			}
			l.account(data, ci.Length)
			l.frame.Data = data
			l.frame.Timestamp = now
			l.frame.OrigLen = ci.Length
			l.Table.Dispatch(&l.frame)
		case errors.Is(err, ErrTimeout):
			now = time.Now()
		case errors.Is(err, io.EOF):
			l.cycle(l.frame.Timestamp)
			return nil
		default:
			l.cycle(time.Now())
			return errors.Wrapf(err, "read from %s", l.Iface.Name)
		}

		if l.stats.Start.IsZero() {
			l.stats.Start = now
		}
		if l.Interval > 0 && now.Sub(l.stats.Start) >= l.Interval {
			l.cycle(now)
		}
	}
}

func (l *Loop) account(data []byte, wireLen int) {
	if wireLen == 0 {
		wireLen = len(data)
	}
	l.stats.Packets++
	if len(data) >= pktmatch.EthHeaderLen && pktmatch.EthHeader(data).Src() == l.Iface.MAC {
		l.stats.BytesOut += uint64(wireLen)
	} else {
		l.stats.BytesIn += uint64(wireLen)
	}
}

// cycle hands the finished interval to the table and starts the next one
// at now.
func (l *Loop) cycle(now time.Time) {
	if l.stats.Start.IsZero() {
		l.stats.Start = now
	}
	if src, err := l.Source.Stats(); err == nil {
		l.stats.CapPackets = src.Packets - l.last.Packets
		l.stats.CapDrops = src.Drops - l.last.Drops
		l.last = src
	} else {
		logrus.WithError(err).WithField("iface", l.Iface.Name).Debug("source stats")
	}

	// The interval actually covered, which is shorter at shutdown and
	// longer after an idle stretch.
	s := l.stats
	s.Interval = now.Sub(s.Start)
	if s.Interval < 0 {
		s.Interval = 0
	}
	l.Table.CycleComplete(&s)

	l.stats = pktmatch.IfaceStats{Iface: l.Iface, Start: now}
}
