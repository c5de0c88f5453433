//go:build unix

package log

import (
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
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

	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		fields["sysname"] = utsString(uname.Sysname[:])
		fields["release"] = utsString(uname.Release[:])
		fields["machine"] = utsString(uname.Machine[:])
	}
	return fields
}

func utsString(b []byte) string {
	n := 0
	for ; n < len(b); n++ {
		if b[n] == 0 {
			break
		}
	}
	return strings.TrimSpace(string(b[:n]))
}
