package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// lineFormatter renders "[2006-01-02 15:04:05][LEVEL]: msg key=value ..."
// with the timestamp in the device's local zone.
type lineFormatter struct {
	loc *time.Location
}

func (f *lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	loc := f.loc
	if loc == nil {
		loc = time.UTC
	}
	fmt.Fprintf(b, "[%s][%s]: %s", entry.Time.In(loc).Format("2006-01-02 15:04:05"),
		strings.ToUpper(entry.Level.String()), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(entry.Data[k])
		if strings.ContainsAny(v, " \t\"") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(b, " %s=%s", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SetLogConf configures the global logrus logger to write to stdout, a
// rotating log file and the returned Broadcaster. An empty file selects
// GetLogFilePath.
func SetLogConf(level, file string) *Broadcaster {
	if file == "" {
		file = GetLogFilePath()
	}
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    5, // megabytes
		MaxBackups: 5,
		MaxAge:     7, // days
		LocalTime:  true,
		Compress:   true,
	}
	b := NewBroadcaster()

	logrus.SetOutput(io.MultiWriter(os.Stdout, rotating, b))
	logrus.SetFormatter(&lineFormatter{loc: LoadLocalLocation()})
	logrus.SetLevel(ParseLevel(level))
	return b
}

// ParseLevel maps a config level name to a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// LogHeader prints the startup banner. fields typically comes from
// config.Config.LogFields.
func LogHeader(version string, fields logrus.Fields) {
	logrus.WithFields(GetOSInfo()).Info("netprobe starting")
	logrus.WithField("version", version).WithFields(fields).Info("netprobe started")
}

// LoadLocalLocation tries to detect and load the system local timezone from
// `/etc/localtime` or `/etc/TZ`. Compatible with OpenWrt and normal Linux.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		if loc, _ := time.LoadLocation("Local"); loc != nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		tz := strings.TrimSpace(string(data))
		switch {
		case strings.HasPrefix(tz, "CST-8"):
			return time.FixedZone("CST", 8*3600)
		case strings.HasPrefix(tz, "UTC"):
			return time.UTC
		}
	}
	return time.UTC
}
