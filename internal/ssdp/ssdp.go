// Package ssdp records UPnP devices and control points from the SSDP
// multicast traffic they announce on the LAN.
package ssdp

import (
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

const (
	port      = 1900
	queueSize = 64
)

var group = netip.MustParseAddr("239.255.255.250")

// headerRe extracts the headers that identify a device. SSDP headers are
// case-insensitive and values may be padded.
var headerRe = regexp2.MustCompile(`^(SERVER|USER-AGENT|LOCATION|NT|NTS|ST|USN|MAN)[ \t]*:[ \t]*(.*?)[ \t]*\r?$`,
	regexp2.IgnoreCase|regexp2.Multiline)

// Device is the latest announcement seen from one source address.
type Device struct {
	IP        string    `json:"ip"`
	MAC       string    `json:"mac"`
	Method    string    `json:"method"`
	Server    string    `json:"server,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Location  string    `json:"location,omitempty"`
	Target    string    `json:"target,omitempty"`
	USN       string    `json:"usn,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"count"`
}

type message struct {
	src     netip.Addr
	mac     [6]byte
	at      time.Time
	payload []byte
}

// Collector matches multicast Ethernet frames, chained to UDP datagrams for
// the SSDP group, and parses them off the capture goroutine.
type Collector struct {
	bindings []pktmatch.Binding
	started  bool

	queue   chan message
	devices *expirable.LRU[string, Device]

	dropped atomic.Uint64
	invalid atomic.Uint64
	wg      sync.WaitGroup
}

func New(maxDevices int, ttl time.Duration) *Collector {
	c := &Collector{
		queue:   make(chan message, queueSize),
		devices: expirable.NewLRU[string, Device](maxDevices, nil, ttl),
	}
	return c
}

func (c *Collector) newRule() *pktmatch.Rule {
	datagram := &pktmatch.Rule{
		IP: pktmatch.IPMatch{Tests: pktmatch.IPDstAddr1, Addr1: group},
		Port: pktmatch.PortMatch{
			Tests: pktmatch.PortUDPOnly | pktmatch.PortDst1,
			Port1: port,
		},
		OnIP:        c.onDatagram,
		Description: "ssdp-datagram",
	}
	return &pktmatch.Rule{
		Eth:         pktmatch.EthMatch{Tests: pktmatch.EthDstMulticast},
		Chain:       datagram,
		Description: "ssdp",
	}
}

func (c *Collector) Start(tables ...*pktmatch.Table) error {
	bindings, err := pktmatch.RegisterAll(tables, c.newRule)
	if err != nil {
		return errors.Wrap(err, "register ssdp rule")
	}
	c.bindings = bindings
	c.started = true
	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Collector) Close() error {
	if !c.started {
		return nil
	}
	pktmatch.DeregisterAll(c.bindings)
	c.bindings = nil
	c.started = false
	close(c.queue)
	c.wg.Wait()
	return nil
}

func (c *Collector) onDatagram(f *pktmatch.Frame, _ *pktmatch.Rule, ip pktmatch.IPv4Header) {
	udp, ok := f.UDP()
	if !ok {
		return
	}
	eth, _ := f.Eth()
	msg := message{
		src:     ip.Src(),
		mac:     eth.Src(),
		at:      f.Timestamp,
		payload: append([]byte(nil), udp[pktmatch.UDPHeaderLen:]...),
	}
	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
	}
}

func (c *Collector) run() {
	defer c.wg.Done()
	for msg := range c.queue {
		dev, err := parse(msg)
		if err != nil {
			c.invalid.Add(1)
			logrus.WithError(err).WithField("src", msg.src.String()).Debug("ssdp parse")
			continue
		}
		if prev, ok := c.devices.Get(dev.IP); ok {
			dev.Count += prev.Count
			if dev.Server == "" {
				dev.Server = prev.Server
			}
			if dev.UserAgent == "" {
				dev.UserAgent = prev.UserAgent
			}
			if dev.Location == "" {
				dev.Location = prev.Location
			}
		} else {
			logrus.WithFields(logrus.Fields{
				"ip":     dev.IP,
				"server": dev.Server,
			}).Info("new ssdp device")
		}
		c.devices.Add(dev.IP, dev)
	}
}

func parse(msg message) (Device, error) {
	text := string(msg.payload)
	line, _, _ := strings.Cut(text, "\n")
	method, _, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Device{}, errors.New("missing request line")
	}
	switch method = strings.ToUpper(method); method {
	case "NOTIFY", "M-SEARCH":
	default:
		return Device{}, errors.Errorf("unexpected method %q", method)
	}

	at := msg.at
	if at.IsZero() {
		at = time.Now()
	}
	dev := Device{
		IP:       msg.src.String(),
		MAC:      net.HardwareAddr(msg.mac[:]).String(),
		Method:   method,
		LastSeen: at,
		Count:    1,
	}

	m, err := headerRe.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = headerRe.FindNextMatch(m) {
		value := m.GroupByNumber(2).String()
		switch strings.ToUpper(m.GroupByNumber(1).String()) {
		case "SERVER":
			dev.Server = value
		case "USER-AGENT":
			dev.UserAgent = value
		case "LOCATION":
			dev.Location = value
		case "NT", "ST":
			dev.Target = value
		case "USN":
			dev.USN = value
		}
	}
	if err != nil {
		return Device{}, errors.Wrap(err, "match headers")
	}
	return dev, nil
}

// Devices returns the known devices, most recently seen first.
func (c *Collector) Devices() []Device {
	devices := c.devices.Values()
	sort.Slice(devices, func(i, j int) bool { return devices[i].LastSeen.After(devices[j].LastSeen) })
	return devices
}

func (c *Collector) Lookup(ip string) (Device, bool) {
	return c.devices.Peek(ip)
}

func (c *Collector) Dropped() uint64 { return c.dropped.Load() }
func (c *Collector) Invalid() uint64 { return c.invalid.Load() }
