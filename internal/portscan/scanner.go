// Package portscan runs TCP SYN scans against LAN hosts and collects the
// answers from the capture path instead of a socket.
package portscan

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/netfilter"
	"github.com/sunbk201/netprobe/internal/pktmatch"
)

const registerBackoff = 100 * time.Millisecond

type PortState uint32

const (
	Filtered PortState = iota
	Open
	Closed
)

func (s PortState) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "filtered"
	}
}

func (s PortState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type PortResult struct {
	Port  uint16    `json:"port"`
	State PortState `json:"state"`
}

type Result struct {
	Target   netip.Addr    `json:"target"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Ports    []PortResult  `json:"ports"`
	Open     []uint16      `json:"open"`
}

// Scanner probes one target at a time on a single interface.
type Scanner struct {
	Table   *pktmatch.Table
	Iface   *pktmatch.Iface
	SrcPort uint16
	Timeout time.Duration
	// Rate is the number of SYNs sent per second.
	Rate      int
	NewSender SenderFunc
	// Guard, when set, is installed for the duration of every scan.
	Guard *netfilter.Firewall

	mu sync.Mutex
}

// Scan sends a SYN to every port of target and classifies the ports from
// the answers seen within Timeout: SYN|ACK is open, RST is closed and no
// answer is filtered. Scans on the same Scanner are serialized.
func (s *Scanner) Scan(ctx context.Context, target netip.Addr, ports []uint16) (*Result, error) {
	if !target.Is4() {
		return nil, errors.Errorf("scan target %s is not an IPv4 address", target)
	}
	if len(ports) == 0 {
		return nil, errors.New("no ports to scan")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newSender := s.NewSender
	if newSender == nil {
		newSender = NewRawSender
	}
	sender, err := newSender(s.Iface)
	if err != nil {
		return nil, err
	}
	defer sender.Close()

	if s.Guard != nil {
		if err := s.Guard.Setup(); err != nil {
			logrus.WithError(err).Warn("scan RST guard not installed")
		} else {
			defer s.Guard.Cleanup()
		}
	}

	p := newProbe(target, s.Iface, s.SrcPort, ports)
	if err := s.register(ctx, &p.parent); err != nil {
		return nil, err
	}
	registered := true
	defer func() {
		if registered {
			s.Table.Deregister(&p.parent)
		}
	}()

	log := logrus.WithFields(logrus.Fields{
		"target": target.String(),
		"iface":  s.Iface.Name,
		"ports":  len(ports),
	})
	log.Info("Port scan started")
	started := time.Now()

	rate := s.Rate
	if rate <= 0 {
		rate = 100
	}
	tick := time.NewTicker(time.Second / time.Duration(rate))
	defer tick.Stop()
	for i, port := range ports {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tick.C:
			}
		}
		if err := sender.SendSYN(target, s.SrcPort, port, p.seq); err != nil {
			return nil, errors.Wrapf(err, "send syn to %s:%d", target, port)
		}
	}

	wait := time.NewTimer(s.Timeout)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
	case <-wait.C:
	}
	s.Table.Deregister(&p.parent)
	registered = false

	res := p.result(started, time.Since(started))
	log.WithFields(logrus.Fields{
		"open":     len(res.Open),
		"duration": res.Duration.String(),
	}).Info("Port scan finished")
	return res, nil
}

// register retries on a full table until ctx ends.
func (s *Scanner) register(ctx context.Context, r *pktmatch.Rule) error {
	for {
		err := s.Table.Register(r)
		if !errors.Is(err, pktmatch.ErrFull) {
			return errors.Wrap(err, "register scan rule")
		}
		logrus.Debug("Rule table full, waiting to register scan rule")
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "register scan rule")
		case <-time.After(registerBackoff):
		}
	}
}

// probe holds the state of one scan. states is written from the capture
// goroutine and read after the rule is deregistered.
type probe struct {
	target netip.Addr
	seq    uint32
	ports  []uint16
	index  map[uint16]int
	states []atomic.Uint32

	answered atomic.Int32
	done     chan struct{}

	parent   pktmatch.Rule
	response pktmatch.Rule
}

func newProbe(target netip.Addr, iface *pktmatch.Iface, srcPort uint16, ports []uint16) *probe {
	p := &probe{
		target: target,
		seq:    rand.Uint32(),
		ports:  ports,
		index:  make(map[uint16]int, len(ports)),
		states: make([]atomic.Uint32, len(ports)),
		done:   make(chan struct{}),
	}
	for i, port := range ports {
		p.index[port] = i
	}
	// Frames addressed to this interface carrying IPv4...
	p.parent = pktmatch.Rule{
		Eth: pktmatch.EthMatch{
			Tests:     pktmatch.EthDstIface,
			CheckType: true,
			EtherType: pktmatch.EtherTypeIPv4,
		},
		Chain:       &p.response,
		Description: "scan " + target.String(),
	}
	// ...that are TCP from the target to our probe port.
	p.response = pktmatch.Rule{
		IP: pktmatch.IPMatch{
			Tests:      pktmatch.IPSrcAddr1 | pktmatch.IPDstIface,
			Addr1:      target,
			CheckProto: true,
			Proto:      pktmatch.ProtoTCP,
		},
		Port: pktmatch.PortMatch{
			Tests: pktmatch.PortTCPOnly | pktmatch.PortDst1,
			Port1: srcPort,
		},
		OnIP:        p.onResponse,
		Description: "scan-response " + target.String(),
	}
	return p
}

// onResponse runs on the capture goroutine.
func (p *probe) onResponse(f *pktmatch.Frame, _ *pktmatch.Rule, _ pktmatch.IPv4Header) {
	tcp, ok := f.TCP()
	if !ok || tcp.Ack() != p.seq+1 {
		return
	}
	i, ok := p.index[tcp.SrcPort()]
	if !ok {
		return
	}
	var state PortState
	switch flags := tcp.Flags(); {
	case flags&(pktmatch.TCPFlagSYN|pktmatch.TCPFlagACK) == pktmatch.TCPFlagSYN|pktmatch.TCPFlagACK:
		state = Open
	case flags&pktmatch.TCPFlagRST != 0:
		state = Closed
	default:
		return
	}
	if !p.states[i].CompareAndSwap(uint32(Filtered), uint32(state)) {
		return
	}
	if int(p.answered.Add(1)) == len(p.ports) {
		close(p.done)
	}
}

func (p *probe) result(started time.Time, d time.Duration) *Result {
	res := &Result{
		Target:   p.target,
		Started:  started,
		Duration: d,
		Ports:    make([]PortResult, len(p.ports)),
		Open:     []uint16{},
	}
	for i, port := range p.ports {
		state := PortState(p.states[i].Load())
		res.Ports[i] = PortResult{Port: port, State: state}
		if state == Open {
			res.Open = append(res.Open, port)
		}
	}
	return res
}

// Scanners routes a scan to the interface whose subnet holds the target,
// falling back to the first scanner.
type Scanners []*Scanner

func (ss Scanners) For(target netip.Addr) *Scanner {
	for _, s := range ss {
		if onLink(s.Iface, target) {
			return s
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return ss[0]
}

func (ss Scanners) Scan(ctx context.Context, target netip.Addr, ports []uint16) (*Result, error) {
	s := ss.For(target)
	if s == nil {
		return nil, errors.New("no interface to scan from")
	}
	return s.Scan(ctx, target, ports)
}

func onLink(iface *pktmatch.Iface, addr netip.Addr) bool {
	if iface == nil || !iface.IP.Is4() || !iface.Mask.Is4() || !addr.Is4() {
		return false
	}
	ip, mask, a := iface.IP.As4(), iface.Mask.As4(), addr.As4()
	for i := range ip {
		if ip[i]&mask[i] != a[i]&mask[i] {
			return false
		}
	}
	return true
}
