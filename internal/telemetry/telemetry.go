// Package telemetry wires up the module-wide logrus logger shared by
// cmd/labctl-server and every internal subsystem.
package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the root logger.
type Options struct {
	// Level is one of logrus's level names (trace, debug, info, warn,
	// error). Empty defaults to "info".
	Level string
	// JSON selects the JSON formatter instead of logrus's default text
	// formatter, for log-aggregator-friendly output.
	JSON bool
	// Output overrides the destination; nil defaults to os.Stderr.
	Output io.Writer
}

// NewLogger builds the root *logrus.Logger every subsystem's *logrus.Entry
// is derived from (via .WithField("component", ...)).
func NewLogger(opts Options) *logrus.Logger {
	log := logrus.New()

	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stderr)
	}

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}

// Component returns a *logrus.Entry tagged with a "component" field, the
// per-subsystem logger handed to session.NewManager/sequence.NewManager/
// trigger.NewManager/wsapi.New constructors.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return logrus.NewEntry(log).WithField("component", name)
}
