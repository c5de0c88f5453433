// Package statistics keeps the latest capture interval of every interface
// and periodically dumps it to a file.
package statistics

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

// IfaceRecord is the last completed interval of one interface plus running
// totals since the recorder started.
type IfaceRecord struct {
	Iface    string        `json:"iface"`
	Start    time.Time     `json:"start"`
	Interval time.Duration `json:"interval"`

	Packets    uint64 `json:"packets"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	CapPackets uint64 `json:"cap_packets"`
	CapDrops   uint64 `json:"cap_drops"`

	// Bits per second over the interval.
	RateIn  uint64 `json:"rate_in"`
	RateOut uint64 `json:"rate_out"`

	TotalPackets uint64 `json:"total_packets"`
	TotalBytes   uint64 `json:"total_bytes"`
	TotalDrops   uint64 `json:"total_drops"`
	Intervals    uint64 `json:"intervals"`
}

type Recorder struct {
	bindings []pktmatch.Binding
	started  bool
	dumpFile string
	every    time.Duration

	mu      sync.Mutex
	records map[string]*IfaceRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a recorder that writes to dumpFile every interval. An empty
// dumpFile disables the file.
func New(dumpFile string, interval time.Duration) *Recorder {
	r := &Recorder{
		dumpFile: dumpFile,
		every:    interval,
		records:  make(map[string]*IfaceRecord),
		stop:     make(chan struct{}),
	}
	return r
}

func (r *Recorder) newRule() *pktmatch.Rule {
	return &pktmatch.Rule{
		OnInterval:  r.onInterval,
		Description: "statistics",
	}
}

func (r *Recorder) Start(tables ...*pktmatch.Table) error {
	bindings, err := pktmatch.RegisterAll(tables, r.newRule)
	if err != nil {
		return errors.Wrap(err, "register statistics rule")
	}
	r.bindings = bindings
	r.started = true
	if r.dumpFile != "" && r.every > 0 {
		r.wg.Add(1)
		go r.run()
	}
	return nil
}

func (r *Recorder) Close() error {
	if !r.started {
		return nil
	}
	pktmatch.DeregisterAll(r.bindings)
	r.bindings = nil
	r.started = false
	close(r.stop)
	r.wg.Wait()
	if r.dumpFile != "" {
		return r.Dump()
	}
	return nil
}

// onInterval runs on the capture goroutines.
func (r *Recorder) onInterval(s *pktmatch.IfaceStats) {
	name := "pcap"
	if s.Iface != nil {
		name = s.Iface.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		rec = &IfaceRecord{Iface: name}
		r.records[name] = rec
	}
	rec.Start = s.Start
	rec.Interval = s.Interval
	rec.Packets = s.Packets
	rec.BytesIn = s.BytesIn
	rec.BytesOut = s.BytesOut
	rec.CapPackets = s.CapPackets
	rec.CapDrops = s.CapDrops
	rec.RateIn, rec.RateOut = 0, 0
	if secs := s.Interval.Seconds(); secs > 0 {
		rec.RateIn = uint64(float64(s.BytesIn*8) / secs)
		rec.RateOut = uint64(float64(s.BytesOut*8) / secs)
	}
	rec.TotalPackets += s.Packets
	rec.TotalBytes += s.BytesIn + s.BytesOut
	rec.TotalDrops += s.CapDrops
	rec.Intervals++
}

// Snapshot returns a copy of every record sorted by interface name.
func (r *Recorder) Snapshot() []IfaceRecord {
	r.mu.Lock()
	list := make([]IfaceRecord, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, *rec)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Iface < list[j].Iface
	})
	return list
}

func (r *Recorder) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Dump(); err != nil {
				logrus.Errorf("dump stats error: %v", err)
			}
		case <-r.stop:
			return
		}
	}
}

// Dump writes one line per interface:
// iface packets bytes_in bytes_out rate_in rate_out drops total_packets total_bytes
func (r *Recorder) Dump() error {
	f, err := os.Create(r.dumpFile)
	if err != nil {
		return errors.Wrap(err, "create stats file")
	}
	defer f.Close()

	for _, rec := range r.Snapshot() {
		line := fmt.Sprintf("%s %d %d %d %d %d %d %d %d\n",
			rec.Iface, rec.Packets, rec.BytesIn, rec.BytesOut,
			rec.RateIn, rec.RateOut, rec.CapDrops,
			rec.TotalPackets, rec.TotalBytes)
		if _, err := f.WriteString(line); err != nil {
			return errors.Wrap(err, "write stats file")
		}
	}
	return nil
}
