package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used by the engine layers.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory creates the logger of a layer. fields carries the layer
// name; out is nil unless --log-dest was given.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus loggers, for example to route
// engine logs into an embedding application.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are attached to every line a logger writes.
type Fields map[string]interface{}

type logrusLogger struct {
	*logrus.Entry
}
