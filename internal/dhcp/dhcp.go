// Package dhcp fingerprints LAN clients from the DHCP requests they send.
package dhcp

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

const (
	clientPort = 68
	serverPort = 67
	queueSize  = 64
)

// Fingerprint is what a client reveals about itself in DHCP requests.
type Fingerprint struct {
	MAC         string    `json:"mac"`
	Hostname    string    `json:"hostname,omitempty"`
	VendorClass string    `json:"vendor_class,omitempty"`
	ParamList   string    `json:"param_list,omitempty"`
	MsgType     string    `json:"msg_type"`
	ClientIP    string    `json:"client_ip,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Count       int       `json:"count"`
}

type request struct {
	src     [6]byte
	at      time.Time
	payload []byte
}

// Collector registers a request-matching rule and decodes matched frames
// off the capture goroutine.
type Collector struct {
	bindings []pktmatch.Binding
	started  bool

	queue   chan request
	devices *expirable.LRU[string, Fingerprint]

	dropped atomic.Uint64
	invalid atomic.Uint64
	wg      sync.WaitGroup
}

func New(maxDevices int, ttl time.Duration) *Collector {
	c := &Collector{
		queue:   make(chan request, queueSize),
		devices: expirable.NewLRU[string, Fingerprint](maxDevices, nil, ttl),
	}
	return c
}

func (c *Collector) newRule() *pktmatch.Rule {
	return &pktmatch.Rule{
		Port: pktmatch.PortMatch{
			Tests: pktmatch.PortUDPOnly | pktmatch.PortSrc1 | pktmatch.PortDst2,
			Port1: clientPort,
			Port2: serverPort,
		},
		OnIP:        c.onRequest,
		Description: "dhcp-request",
	}
}

// Start registers the collector's rule on every table and starts the decoder.
func (c *Collector) Start(tables ...*pktmatch.Table) error {
	bindings, err := pktmatch.RegisterAll(tables, c.newRule)
	if err != nil {
		return errors.Wrap(err, "register dhcp rule")
	}
	c.bindings = bindings
	c.started = true
	c.wg.Add(1)
	go c.run()
	return nil
}

// Close deregisters the rules and waits for queued requests to be decoded.
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

// onRequest runs on the capture goroutines.
func (c *Collector) onRequest(f *pktmatch.Frame, _ *pktmatch.Rule, _ pktmatch.IPv4Header) {
	udp, ok := f.UDP()
	if !ok {
		return
	}
	eth, _ := f.Eth()
	req := request{
		src:     eth.Src(),
		at:      f.Timestamp,
		payload: append([]byte(nil), udp[pktmatch.UDPHeaderLen:]...),
	}
	select {
	case c.queue <- req:
	default:
		c.dropped.Add(1)
	}
}

func (c *Collector) run() {
	defer c.wg.Done()
	for req := range c.queue {
		fp, err := decode(req)
		if err != nil {
			c.invalid.Add(1)
			logrus.WithError(err).WithField("mac", net.HardwareAddr(req.src[:]).String()).Debug("dhcp decode")
			continue
		}
		if prev, ok := c.devices.Get(fp.MAC); ok {
			fp.Count += prev.Count
			if fp.Hostname == "" {
				fp.Hostname = prev.Hostname
			}
			if fp.ClientIP == "" {
				fp.ClientIP = prev.ClientIP
			}
		} else {
			logrus.WithFields(logrus.Fields{
				"mac":      fp.MAC,
				"hostname": fp.Hostname,
				"vendor":   fp.VendorClass,
			}).Info("new dhcp client")
		}
		c.devices.Add(fp.MAC, fp)
	}
}

func decode(req request) (Fingerprint, error) {
	var msg layers.DHCPv4
	if err := msg.DecodeFromBytes(req.payload, gopacket.NilDecodeFeedback); err != nil {
		return Fingerprint{}, errors.Wrap(err, "decode dhcpv4")
	}
	if msg.Operation != layers.DHCPOpRequest {
		return Fingerprint{}, errors.Errorf("unexpected dhcp operation %s", msg.Operation)
	}

	mac := net.HardwareAddr(req.src[:])
	if len(msg.ClientHWAddr) == 6 {
		mac = msg.ClientHWAddr
	}
	at := req.at
	if at.IsZero() {
		at = time.Now()
	}
	fp := Fingerprint{MAC: mac.String(), LastSeen: at, Count: 1}
	if ip := msg.ClientIP.To4(); ip != nil && !ip.IsUnspecified() {
		fp.ClientIP = ip.String()
	}

	for _, opt := range msg.Options {
		switch opt.Type {
		case layers.DHCPOptHostname:
			fp.Hostname = string(opt.Data)
		case layers.DHCPOptClassID:
			fp.VendorClass = string(opt.Data)
		case layers.DHCPOptParamsRequest:
			params := make([]string, len(opt.Data))
			for i, p := range opt.Data {
				params[i] = strconv.Itoa(int(p))
			}
			fp.ParamList = strings.Join(params, ",")
		case layers.DHCPOptMessageType:
			if len(opt.Data) == 1 {
				fp.MsgType = layers.DHCPMsgType(opt.Data[0]).String()
			}
		case layers.DHCPOptRequestIP:
			if len(opt.Data) == 4 && fp.ClientIP == "" {
				fp.ClientIP = net.IP(opt.Data).String()
			}
		}
	}
	return fp, nil
}

// Devices returns the known clients, most recently seen first.
func (c *Collector) Devices() []Fingerprint {
	devices := c.devices.Values()
	sort.Slice(devices, func(i, j int) bool { return devices[i].LastSeen.After(devices[j].LastSeen) })
	return devices
}

// Lookup returns the fingerprint of the client with the given MAC.
func (c *Collector) Lookup(mac string) (Fingerprint, bool) {
	if hw, err := net.ParseMAC(mac); err == nil {
		mac = hw.String()
	}
	return c.devices.Peek(mac)
}

// Dropped is the number of requests lost because the decoder fell behind.
func (c *Collector) Dropped() uint64 { return c.dropped.Load() }

// Invalid is the number of matched frames that did not decode as DHCP.
func (c *Collector) Invalid() uint64 { return c.invalid.Load() }
