package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v3"
)

func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		LogLevel: "info",

		Interfaces:    []string{"br-lan"},
		SnapLen:       1024,
		PollTimeout:   100 * time.Millisecond,
		StatsInterval: 10 * time.Second,
		IPv4Only:      true,

		DHCP: DeviceTableConfig{Enabled: true, MaxDevices: 256, TTL: 24 * time.Hour},
		SSDP: DeviceTableConfig{Enabled: true, MaxDevices: 256, TTL: time.Hour},

		Scan: ScanConfig{
			Ports:    "22,23,53,80,139,443,445,554,1900,8080",
			SrcPort:  47001,
			Timeout:  2 * time.Second,
			Rate:     200,
			Firewall: true,
		},

		Rules: []Rule{
			{Type: string(RuleTypeDestPort), MatchValue: "53", Group: "dns", Description: "dns-queries"},
			{Type: string(RuleTypeUDP), Group: "dns"},
			{Type: string(RuleTypeIPCIDR), MatchValue: "192.168.1.0/24", Negate: true, Description: "off-lan"},
		},

		API: APIConfig{Bind: "127.0.0.1:9090"},
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, errors.Wrap(err, "failed to marshal template config to YAML")
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, errors.Wrap(err, "failed to write template config to file")
		}
	}
	return cfg, nil
}
