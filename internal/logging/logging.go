// Package logging defines the narrow logger interface used across nodeweave
// components, bridged onto logrus.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every component depends on. Components take
// this interface rather than a concrete *logrus.Logger so tests can inject a
// discard logger and so a component can be handed a field-scoped child
// logger (WithField) without caring which one it got.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// Discard returns a Logger that drops everything, for use in tests that
// don't care about log output.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New returns the default logrus-backed logger, writing text-formatted
// entries to os.Stderr at Info level.
func New() *logrus.Logger {
	return logrus.New()
}
