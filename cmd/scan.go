package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/netprobe/internal/capture"
	"github.com/sunbk201/netprobe/internal/config"
	"github.com/sunbk201/netprobe/internal/log"
	"github.com/sunbk201/netprobe/internal/portscan"
)

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run a one-shot TCP SYN scan against a LAN host",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringP("ports", "p", "", "Ports to scan, e.g. 22,80,8000-8010")
	scanCmd.Flags().Duration("timeout", 0, "Time to wait for answers after the last SYN")
	scanCmd.Flags().Int("rate", 0, "SYNs per second")
	scanCmd.Flags().Bool("no-firewall", false, "Do not install the RST guard")
	scanCmd.Flags().Bool("json", false, "Print the result as JSON")

	_ = viper.BindPFlag("scan.ports", scanCmd.Flags().Lookup("ports"))
	_ = viper.BindPFlag("scan.timeout", scanCmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("scan.rate", scanCmd.Flags().Lookup("rate"))
}

func runScan(cmd *cobra.Command, args []string) error {
	target, err := netip.ParseAddr(args[0])
	if err != nil || !target.Is4() {
		return errors.Errorf("invalid target %q: want an IPv4 address", args[0])
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return errors.Wrap(err, "config error")
	}
	ports, err := config.ParsePorts(cfg.Scan.Ports)
	if err != nil {
		return err
	}
	log.SetLogConf(cfg.LogLevel, cfg.LogFile)

	noFirewall, _ := cmd.Flags().GetBool("no-firewall")
	guard := cfg.Scan.Firewall && !noFirewall

	// Open only the interface the target is reachable on.
	var probes []*probe
	defer func() {
		for _, p := range probes {
			_ = p.source.Close()
		}
	}()
	candidates := make(portscan.Scanners, 0, len(cfg.Interfaces))
	for _, name := range cfg.Interfaces {
		iface, err := capture.LookupIface(name)
		if err != nil {
			return err
		}
		candidates = append(candidates, &portscan.Scanner{Iface: iface})
	}
	chosen := candidates.For(target)
	if chosen == nil {
		return errors.New("no interface configured")
	}
	p, err := openLive(chosen.Iface.Name, cfg)
	if err != nil {
		return err
	}
	probes = append(probes, p)

	scanner := newScanners(cfg, probes, guard)[0]
	stop := runProbes(probes, 0)
	defer stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	res, err := scanner.Scan(ctx, target, ports)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(res)
	return nil
}

func printResult(res *portscan.Result) {
	fmt.Printf("netprobe scan of %s (%s)\n", res.Target, res.Duration.Round(1e6))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSTATE")
	for _, p := range res.Ports {
		if p.State == portscan.Filtered && len(res.Ports) > 20 {
			continue
		}
		fmt.Fprintf(w, "%d/tcp\t%s\n", p.Port, p.State)
	}
	_ = w.Flush()
	fmt.Printf("%d open, %d scanned\n", len(res.Open), len(res.Ports))
}
