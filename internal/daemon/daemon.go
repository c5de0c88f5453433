package daemon

import (
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/config"
)

var oomScoreAdjPath = "/proc/self/oom_score_adj"

// DaemonSetup prepares the process for long-running capture. On OpenWrt the
// OOM killer is told to prefer other victims.
func DaemonSetup(cfg *config.Config) error {
	if IsOpenWrt() {
		if err := SetOOMScoreAdj(-900); err != nil {
			logrus.WithError(err).Warn("SetOOMScoreAdj")
		}
	}
	if cfg.PcapFile == "" && os.Geteuid() != 0 {
		logrus.Warn("not running as root, live capture needs CAP_NET_RAW")
	}
	return nil
}

func SetOOMScoreAdj(score int) error {
	if score < -1000 || score > 1000 {
		return errors.Errorf("oom score %d out of range", score)
	}
	if err := os.WriteFile(oomScoreAdjPath, []byte(strconv.Itoa(score)), 0644); err != nil {
		return errors.Wrap(err, "write oom_score_adj")
	}
	return nil
}

func IsOpenWrt() bool {
	if _, err := os.Stat("/etc/openwrt_release"); err == nil {
		return true
	}

	data, err := os.ReadFile("/etc/os-release")
	if err == nil && strings.Contains(string(data), "OpenWrt") {
		return true
	}

	if _, err := user.Lookup("uci"); err == nil {
		return true
	}

	if _, err := exec.LookPath("opkg"); err == nil {
		return true
	}

	return false
}
