// Package rlog is the daemon-wide structured logger.
package rlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Configure sets the output mode. foreground mirrors human-readable text to
// stderr; otherwise records are emitted as JSON for a supervising process.
func Configure(foreground bool, debug bool) {
	if foreground {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	if debug {
		base.SetLevel(logrus.DebugLevel)
	}
}

type Fields = logrus.Fields

func WithFields(f Fields) *logrus.Entry { return base.WithFields(f) }

func Debugf(format string, args ...interface{}) { base.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { base.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { base.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { base.Errorf(format, args...) }
