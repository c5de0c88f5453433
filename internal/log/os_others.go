//go:build !unix

package log

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

func GetOSInfo() logrus.Fields {
	fields := logrus.Fields{
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
		"go_version": runtime.Version(),
	}
	if hostname, err := os.Hostname(); err == nil {
		fields["hostname"] = hostname
	}
	if v, ok := os.LookupEnv("OS"); ok {
		fields["os_version"] = v
	}
	return fields
}
