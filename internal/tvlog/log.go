// Package tvlog is a thin facade over logrus, mirroring rclone's own
// fs.Debugf/Infof/Errorf call convention: every call site names a
// "subject" (an info hash, a path, a torrent name — anything with a
// meaningful String()/fmt representation) alongside a format string,
// rather than calling the logging library directly everywhere.
package tvlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var std = logrus.StandardLogger()

// SetLevel adjusts the facade's logging verbosity.
func SetLevel(level logrus.Level) {
	std.SetLevel(level)
}

// SetJSON switches output between logrus's default text formatter and
// structured JSON, for deployments that ship logs to an aggregator.
func SetJSON(json bool) {
	if json {
		std.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func entry(subject interface{}) *logrus.Entry {
	if subject == nil {
		return logrus.NewEntry(std)
	}
	return std.WithField("subject", fmt.Sprint(subject))
}

func Debugf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Debugf(format, args...)
}

func Infof(subject interface{}, format string, args ...interface{}) {
	entry(subject).Infof(format, args...)
}

func Errorf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Errorf(format, args...)
}
