package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/capture"
	"github.com/sunbk201/netprobe/internal/config"
	"github.com/sunbk201/netprobe/internal/pktmatch"
	"github.com/sunbk201/netprobe/internal/portscan"
)

// captureDone is closed when a capture loop ends on its own, for example at
// the end of a replayed pcap file.
var captureDone = make(chan struct{})

// probe is one capture source with its own table and capture goroutine.
type probe struct {
	iface  *pktmatch.Iface
	table  *pktmatch.Table
	source capture.Source
}

func openProbes(cfg *config.Config) ([]*probe, error) {
	if cfg.PcapFile != "" {
		src, err := capture.NewPcapFile(cfg.PcapFile)
		if err != nil {
			return nil, err
		}
		iface := &pktmatch.Iface{Name: "pcap"}
		if len(cfg.Interfaces) > 0 {
			// Replays recorded on this router still know the interface addresses.
			if found, err := capture.LookupIface(cfg.Interfaces[0]); err == nil {
				iface = found
			} else {
				iface.Name = cfg.Interfaces[0]
			}
		}
		return []*probe{{iface: iface, table: pktmatch.NewTable(), source: src}}, nil
	}

	var probes []*probe
	for _, name := range cfg.Interfaces {
		p, err := openLive(name, cfg)
		if err != nil {
			return probes, err
		}
		probes = append(probes, p)
	}
	return probes, nil
}

func openLive(name string, cfg *config.Config) (*probe, error) {
	iface, err := capture.LookupIface(name)
	if err != nil {
		return nil, err
	}
	src, err := capture.NewAFPacket(name, cfg.SnapLen, cfg.PollTimeout, cfg.IPv4Only)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture on %s", name)
	}
	logrus.WithFields(logrus.Fields{
		"iface": name,
		"ip":    iface.IP.String(),
		"mask":  iface.Mask.String(),
	}).Info("Capture source opened")
	return &probe{iface: iface, table: pktmatch.NewTable(), source: src}, nil
}

func tablesOf(probes []*probe) []*pktmatch.Table {
	tables := make([]*pktmatch.Table, len(probes))
	for i, p := range probes {
		tables[i] = p.table
	}
	return tables
}

// runProbes starts one capture loop per probe and returns a function that
// stops them and waits for their final interval.
func runProbes(probes []*probe, interval time.Duration) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var once sync.Once
	for _, p := range probes {
		wg.Add(1)
		go func(p *probe) {
			defer wg.Done()
			loop := &capture.Loop{
				Table:    p.table,
				Source:   p.source,
				Iface:    p.iface,
				Interval: interval,
			}
			if err := loop.Run(ctx); err != nil {
				logrus.Errorf("capture on %s: %v", p.iface.Name, err)
			}
			if ctx.Err() == nil {
				once.Do(func() { close(captureDone) })
			}
		}(p)
	}
	return func() error {
		cancel()
		wg.Wait()
		return nil
	}
}

func newScanners(cfg *config.Config, probes []*probe, guard bool) portscan.Scanners {
	scanners := make(portscan.Scanners, 0, len(probes))
	for _, p := range probes {
		s := &portscan.Scanner{
			Table:   p.table,
			Iface:   p.iface,
			SrcPort: cfg.Scan.SrcPort,
			Timeout: cfg.Scan.Timeout,
			Rate:    cfg.Scan.Rate,
		}
		if guard {
			s.Guard = portscan.NewGuard(cfg.Scan.SrcPort)
		}
		scanners = append(scanners, s)
	}
	return scanners
}
