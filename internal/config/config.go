package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type RuleType string

const (
	RuleTypeSrcMAC    RuleType = "SRC-MAC"
	RuleTypeDstMAC    RuleType = "DST-MAC"
	RuleTypeEtherType RuleType = "ETHER-TYPE"
	RuleTypeSrcIP     RuleType = "SRC-IP"
	RuleTypeDstIP     RuleType = "DST-IP"
	RuleTypeIPCIDR    RuleType = "IP-CIDR"
	RuleTypeIPRange   RuleType = "IP-RANGE"
	RuleTypeIPProto   RuleType = "IP-PROTO"
	RuleTypeSrcPort   RuleType = "SRC-PORT"
	RuleTypeDestPort  RuleType = "DEST-PORT"
	RuleTypePortRange RuleType = "PORT-RANGE"
	RuleTypeTCP       RuleType = "TCP"
	RuleTypeUDP       RuleType = "UDP"
)

type Config struct {
	LogLevel string `yaml:"log-level" validate:"oneof=trace debug info warn error"`
	LogFile  string `yaml:"log-file,omitempty"`

	Interfaces    []string      `yaml:"interfaces" validate:"required_without=PcapFile,dive,required"`
	PcapFile      string        `yaml:"pcap-file,omitempty"`
	SnapLen       int           `yaml:"snap-len" validate:"min=64,max=65535"`
	PollTimeout   time.Duration `yaml:"poll-timeout" validate:"gte=1ms"`
	StatsInterval time.Duration `yaml:"stats-interval" validate:"gte=1s"`
	IPv4Only      bool          `yaml:"ipv4-only"`
	StatsFile     string        `yaml:"stats-file,omitempty"`

	DHCP DeviceTableConfig `yaml:"dhcp"`
	SSDP DeviceTableConfig `yaml:"ssdp"`
	Scan ScanConfig        `yaml:"scan"`

	Rules []Rule `yaml:"rules,omitempty" validate:"dive"`

	API APIConfig `yaml:"api"`
}

type DeviceTableConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxDevices int           `yaml:"max-devices" validate:"min=1"`
	TTL        time.Duration `yaml:"ttl" validate:"gte=1s"`
}

type ScanConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Targets  []string      `yaml:"targets,omitempty" validate:"dive,ip4_addr"`
	Ports    string        `yaml:"ports"`
	SrcPort  uint16        `yaml:"src-port" validate:"min=1024"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=100ms"`
	Rate     int           `yaml:"rate" validate:"min=1,max=100000"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Firewall bool          `yaml:"firewall"`
}

type APIConfig struct {
	Bind   string `yaml:"bind,omitempty" validate:"omitempty,hostname_port"`
	Secret string `yaml:"secret,omitempty"`
}

// Rule is a user-defined watch rule. Entries sharing a Group are chained and
// only count a hit when all of them match.
type Rule struct {
	Type        string `yaml:"type" validate:"required,oneof=SRC-MAC DST-MAC ETHER-TYPE SRC-IP DST-IP IP-CIDR IP-RANGE IP-PROTO SRC-PORT DEST-PORT PORT-RANGE TCP UDP"`
	MatchValue  string `yaml:"match-value,omitempty" validate:"required_if=Type SRC-MAC,required_if=Type DST-MAC,required_if=Type ETHER-TYPE,required_if=Type SRC-IP,required_if=Type DST-IP,required_if=Type IP-CIDR,required_if=Type IP-RANGE,required_if=Type IP-PROTO,required_if=Type SRC-PORT,required_if=Type DEST-PORT,required_if=Type PORT-RANGE"`
	Negate      bool   `yaml:"negate,omitempty"`
	Group       string `yaml:"group,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// SetDefaults registers the default value of every key on the global viper.
func SetDefaults() {
	viper.SetDefault("log-level", "info")
	viper.SetDefault("interfaces", []string{"br-lan"})
	viper.SetDefault("snap-len", 1024)
	viper.SetDefault("poll-timeout", "100ms")
	viper.SetDefault("stats-interval", "10s")
	viper.SetDefault("ipv4-only", true)
	viper.SetDefault("dhcp.enabled", true)
	viper.SetDefault("dhcp.max-devices", 256)
	viper.SetDefault("dhcp.ttl", "24h")
	viper.SetDefault("ssdp.enabled", true)
	viper.SetDefault("ssdp.max-devices", 256)
	viper.SetDefault("ssdp.ttl", "1h")
	viper.SetDefault("scan.ports", "22,23,53,80,139,443,445,554,1900,8080")
	viper.SetDefault("scan.src-port", 47001)
	viper.SetDefault("scan.timeout", "2s")
	viper.SetDefault("scan.rate", 200)
	viper.SetDefault("scan.firewall", true)
}

// BuildConfigFromViper decodes the global viper state into a Config and
// validates it.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	ifaces := c.Interfaces[:0]
	for _, name := range c.Interfaces {
		if name = strings.TrimSpace(name); name != "" {
			ifaces = append(ifaces, name)
		}
	}
	c.Interfaces = ifaces
	if c.PcapFile != "" && len(c.Interfaces) > 1 {
		c.Interfaces = c.Interfaces[:1]
	}
	for i := range c.Rules {
		c.Rules[i].Type = strings.ToUpper(strings.TrimSpace(c.Rules[i].Type))
	}
}

var validate = validator.New()

// Validate checks struct constraints and the values validator cannot
// express, such as the port list syntax.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.PcapFile == "" && len(c.Interfaces) == 0 {
		return errors.New("invalid config: no interfaces and no pcap-file")
	}
	if _, err := ParsePorts(c.Scan.Ports); err != nil && c.Scan.Enabled {
		return errors.Wrap(err, "invalid scan.ports")
	}
	if c.Scan.Interval != 0 && c.Scan.Interval < c.Scan.Timeout {
		return errors.Errorf("invalid scan.interval %s: shorter than scan.timeout %s", c.Scan.Interval, c.Scan.Timeout)
	}
	return nil
}

// ParsePorts parses a list like "22,80,8000-8010" into sorted unique ports.
func ParsePorts(s string) ([]uint16, error) {
	seen := make(map[uint16]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePort(hi); err != nil {
				return nil, err
			}
			if end < start {
				return nil, errors.Errorf("invalid port range %q", part)
			}
		}
		for p := int(start); p <= int(end); p++ {
			seen[uint16(p)] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, errors.Errorf("no ports in %q", s)
	}
	ports := make([]uint16, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

// LogFields summarizes the config for the startup banner.
func (c *Config) LogFields() logrus.Fields {
	fields := logrus.Fields{
		"log_level":      c.LogLevel,
		"snap_len":       c.SnapLen,
		"stats_interval": c.StatsInterval.String(),
		"ipv4_only":      c.IPv4Only,
		"dhcp":           c.DHCP.Enabled,
		"ssdp":           c.SSDP.Enabled,
		"scan":           c.Scan.Enabled,
		"watch_rules":    len(c.Rules),
	}
	if c.PcapFile != "" {
		fields["pcap_file"] = c.PcapFile
	} else {
		fields["interfaces"] = strings.Join(c.Interfaces, ",")
	}
	if c.API.Bind != "" {
		fields["api"] = c.API.Bind
	}
	return fields
}

func (r Rule) String() string {
	s := r.Type
	if r.MatchValue != "" {
		s += "," + r.MatchValue
	}
	if r.Negate {
		s = "!" + s
	}
	if r.Group != "" {
		s = fmt.Sprintf("%s[%s]", s, r.Group)
	}
	return s
}
