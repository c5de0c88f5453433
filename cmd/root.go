package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/netprobe/internal/api"
	"github.com/sunbk201/netprobe/internal/config"
	"github.com/sunbk201/netprobe/internal/daemon"
	"github.com/sunbk201/netprobe/internal/dhcp"
	"github.com/sunbk201/netprobe/internal/log"
	"github.com/sunbk201/netprobe/internal/portscan"
	"github.com/sunbk201/netprobe/internal/rule"
	"github.com/sunbk201/netprobe/internal/ssdp"
	"github.com/sunbk201/netprobe/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "netprobe",
	Short: "netprobe is a passive LAN probe for routers",
	Long:  "netprobe captures frames on router interfaces, fingerprints clients from their DHCP and SSDP traffic, counts user-defined watch rules and runs TCP SYN scans.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Shared with subcommands
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringSliceP("interfaces", "i", nil, "Capture interfaces")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level")

	rootCmd.Flags().StringP("read", "r", "", "Replay a pcap file instead of capturing")
	rootCmd.Flags().StringP("api", "a", "", "API bind address")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	rootCmd.Flags().String("api-secret", "", "API secret")
	rootCmd.Flags().String("log-file", "", "Log file path")
	rootCmd.Flags().String("stats-file", "", "Interface statistics dump file")
	rootCmd.Flags().Duration("stats-interval", 0, "Statistics interval")
	rootCmd.Flags().Int("snap-len", 0, "Capture snap length")
	rootCmd.Flags().Bool("no-dhcp", false, "Disable DHCP fingerprinting")
	rootCmd.Flags().Bool("no-ssdp", false, "Disable SSDP fingerprinting")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("interfaces", rootCmd.PersistentFlags().Lookup("interfaces"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("pcap-file", rootCmd.Flags().Lookup("read"))
	_ = viper.BindPFlag("api.bind", rootCmd.Flags().Lookup("api"))
	_ = viper.BindPFlag("api.secret", rootCmd.Flags().Lookup("api-secret"))
	_ = viper.BindPFlag("log-file", rootCmd.Flags().Lookup("log-file"))
	_ = viper.BindPFlag("stats-file", rootCmd.Flags().Lookup("stats-file"))
	_ = viper.BindPFlag("stats-interval", rootCmd.Flags().Lookup("stats-interval"))
	_ = viper.BindPFlag("snap-len", rootCmd.Flags().Lookup("snap-len"))

	viper.SetEnvPrefix("NETPROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("interfaces", "NETPROBE_INTERFACES")
	_ = viper.BindEnv("log-level", "NETPROBE_LOG_LEVEL")
	_ = viper.BindEnv("pcap-file", "NETPROBE_PCAP_FILE")
	_ = viper.BindEnv("api.bind", "NETPROBE_API_BIND")
	_ = viper.BindEnv("api.secret", "NETPROBE_API_SECRET")
	_ = viper.BindEnv("scan.enabled", "NETPROBE_SCAN")
	_ = viper.BindEnv("scan.targets", "NETPROBE_SCAN_TARGETS")

	rootCmd.AddCommand(scanCmd)
}

func initConfig() {
	config.SetDefaults()

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			logrus.Errorf("Failed to read config file: %v", err)
			os.Exit(1)
		}
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("netprobe version %s\n", AppVersion)
		return nil
	}

	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		if _, err := config.GenerateTemplateConfig(true); err != nil {
			return errors.Wrap(err, "failed to generate template config")
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	if noDHCP, _ := cmd.Flags().GetBool("no-dhcp"); noDHCP {
		viper.Set("dhcp.enabled", false)
	}
	if noSSDP, _ := cmd.Flags().GetBool("no-ssdp"); noSSDP {
		viper.Set("ssdp.enabled", false)
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return errors.Wrap(err, "config error")
	}

	lb := log.SetLogConf(cfg.LogLevel, cfg.LogFile)
	log.LogHeader(AppVersion, cfg.LogFields())

	if err := daemon.DaemonSetup(cfg); err != nil {
		logrus.Errorf("daemon.DaemonSetup: %v", err)
		return err
	}

	if err := start(cfg, lb); err != nil {
		logrus.Error(err)
		shutdown()
		return err
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case s := <-cleanup:
			logrus.Infof("Received signal %s", s)
			switch s {
			case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
				shutdown()
				return nil
			case syscall.SIGHUP:
			default:
				return nil
			}
		case <-captureDone:
			logrus.Info("Capture finished")
			shutdown()
			return nil
		}
	}
}

// start opens the capture sources, attaches every enabled consumer to their
// tables and starts capturing. Everything started is on the shutdown chain.
func start(cfg *config.Config, lb *log.Broadcaster) error {
	probes, err := openProbes(cfg)
	for _, p := range probes {
		addShutdown(p.iface.Name+" source.Close", p.source.Close)
	}
	if err != nil {
		return err
	}
	tables := tablesOf(probes)

	sources := api.Sources{Table: probes[0].table}

	statsFile := cfg.StatsFile
	if statsFile == "" {
		statsFile = log.GetStatsFilePath("stats")
	}
	recorder := statistics.New(statsFile, cfg.StatsInterval)
	if err := recorder.Start(tables...); err != nil {
		return err
	}
	addShutdown("recorder.Close", recorder.Close)
	sources.Stats = recorder

	if cfg.DHCP.Enabled {
		c := dhcp.New(cfg.DHCP.MaxDevices, cfg.DHCP.TTL)
		if err := c.Start(tables...); err != nil {
			return err
		}
		addShutdown("dhcp.Close", c.Close)
		sources.DHCP = c
	}

	if cfg.SSDP.Enabled {
		c := ssdp.New(cfg.SSDP.MaxDevices, cfg.SSDP.TTL)
		if err := c.Start(tables...); err != nil {
			return err
		}
		addShutdown("ssdp.Close", c.Close)
		sources.SSDP = c
	}

	engine, err := rule.NewEngine(cfg.Rules)
	if err != nil {
		return err
	}
	if err := engine.Start(tables...); err != nil {
		return err
	}
	addShutdown("engine.Close", engine.Close)
	sources.Watches = engine

	ctx, cancel := context.WithCancel(context.Background())
	addShutdown("scans.Cancel", func() error { cancel(); return nil })

	if cfg.Scan.Enabled && cfg.PcapFile == "" {
		scanners := newScanners(cfg, probes, false)
		if cfg.Scan.Firewall {
			guard := portscan.NewGuard(cfg.Scan.SrcPort)
			if guard != nil {
				if err := guard.Setup(); err != nil {
					logrus.Warnf("Scan RST guard not installed: %v", err)
				} else {
					addShutdown("guard.Cleanup", guard.Cleanup)
				}
			}
		}
		sources.Scan = scanners.Scan
		if cfg.Scan.Interval > 0 && len(cfg.Scan.Targets) > 0 {
			ports, _ := config.ParsePorts(cfg.Scan.Ports)
			go scheduleScans(ctx, scanners, cfg.Scan.Targets, ports, cfg.Scan.Interval)
		}
	}

	if cfg.API.Bind != "" {
		srv := api.New(cfg.API.Bind, AppVersion, cfg, sources, lb)
		if err := srv.Start(); err != nil {
			return err
		}
		addShutdown("api.Close", srv.Close)
	}

	// Capture stops first on shutdown so the final interval still reaches
	// the consumers.
	stop := runProbes(probes, cfg.StatsInterval)
	addShutdown("capture.Stop", stop)
	return nil
}

// scheduleScans scans every target once per interval until ctx is done.
func scheduleScans(ctx context.Context, scanners portscan.Scanners, targets []string, ports []uint16, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for _, t := range targets {
			target, err := netip.ParseAddr(t)
			if err != nil {
				continue
			}
			res, err := scanners.Scan(ctx, target, ports)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logrus.Warnf("Scheduled scan of %s failed: %v", target, err)
				continue
			}
			logrus.WithField("open", res.Open).Infof("Scheduled scan of %s", target)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			logrus.Errorf("%s: %v", name, err)
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	logrus.Info("netprobe exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
