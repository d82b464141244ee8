// Package logging wraps logrus with the process-wide logger configuration.
// All packages import it aliased as log so the backing logger can change in
// one place.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base = logrus.StandardLogger()

// SetupBaseLogger configures the shared logger with sane defaults. Called
// once from main before any other package logs.
func SetupBaseLogger() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	base.SetLevel(logrus.InfoLevel)
}

// SetDebug switches between debug and info level.
func SetDebug(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// EnableFileOutput mirrors log output into a rotated file. Pass an empty
// path to keep stderr-only logging.
func EnableFileOutput(path string) {
	if path == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	base.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

func Debugf(format string, args ...any) { base.Debugf(format, args...) }
func Infof(format string, args ...any)  { base.Infof(format, args...) }
func Warnf(format string, args ...any)  { base.Warnf(format, args...) }
func Errorf(format string, args ...any) { base.Errorf(format, args...) }
func Fatalf(format string, args ...any) { base.Fatalf(format, args...) }

func Debug(args ...any) { base.Debug(args...) }
func Info(args ...any)  { base.Info(args...) }
func Warn(args ...any)  { base.Warn(args...) }
func Error(args ...any) { base.Error(args...) }

// WithError returns an entry with the error attached.
func WithError(err error) *logrus.Entry { return base.WithError(err) }

// WithField returns an entry with a single structured field.
func WithField(key string, value any) *logrus.Entry { return base.WithField(key, value) }
