// Package netfilter installs short-lived firewall rules through whichever
// backend the router runs, nftables or iptables.
package netfilter

import (
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	NFT = "nft"
	IPT = "ipt"
)

var ErrNoBackend = errors.New("no firewall backend")

// Firewall bundles the setup and cleanup steps of one feature for both
// backends. Setup picks the backend; Cleanup always tries both.
type Firewall struct {
	Name string

	NftSetup   func() error
	NftCleanup func() error
	IptSetup   func() error
	IptCleanup func() error

	backend string
}

func (f *Firewall) Setup() error {
	_ = f.Cleanup()
	f.backend = detectFirewallBackend()
	log := logrus.WithField("firewall", f.Name)
	switch f.backend {
	case NFT:
		log.Debug("installing nftables rules")
		if err := f.NftSetup(); err != nil {
			return errors.Wrapf(err, "%s nftables setup", f.Name)
		}
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			DumpNFTables()
		}
		return nil
	case IPT:
		log.Debug("installing iptables rules")
		return errors.Wrapf(f.IptSetup(), "%s iptables setup", f.Name)
	default:
		return errors.Wrap(ErrNoBackend, f.Name)
	}
}

// Cleanup removes the rules of both backends. Errors from a backend that
// was never set up are expected and only logged at debug level.
func (f *Firewall) Cleanup() error {
	log := logrus.WithField("firewall", f.Name)
	if f.NftCleanup != nil {
		if err := f.NftCleanup(); err != nil && f.backend == NFT {
			log.WithError(err).Warn("nftables cleanup")
		}
	}
	if f.IptCleanup != nil {
		if err := f.IptCleanup(); err != nil && f.backend == IPT {
			log.WithError(err).Warn("iptables cleanup")
		}
	}
	f.backend = ""
	return nil
}

// Backend returns the backend chosen by the last Setup.
func (f *Firewall) Backend() string {
	return f.backend
}

var (
	lookPath              = exec.LookPath
	isOpkgPackageInstalled = func(pkg string) bool {
		output, err := exec.Command("opkg", "list-installed", pkg).Output()
		return err == nil && len(output) > 0
	}
)

func detectFirewallBackend() string {
	// OpenWrt ships both binaries on fw4 images; the kernel module decides.
	if isCommandAvailable("opkg") {
		if isOpkgPackageInstalled("kmod-nft-core") && isCommandAvailable("nft") {
			logrus.Debug("Detected nftables backend (kmod-nft-core installed)")
			return NFT
		}
		if isCommandAvailable("iptables") {
			logrus.Debug("Detected iptables backend (kmod-nft-core not installed)")
			return IPT
		}
	}
	if isCommandAvailable("nft") {
		logrus.Debug("Detected nftables backend (nft command available)")
		return NFT
	}
	if isCommandAvailable("iptables") {
		logrus.Debug("Detected iptables backend (iptables command available)")
		return IPT
	}
	logrus.Warn("No firewall backend detected")
	return ""
}

func isCommandAvailable(cmd string) bool {
	_, err := lookPath(cmd)
	return err == nil
}
