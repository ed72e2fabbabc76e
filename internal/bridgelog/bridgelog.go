// Package bridgelog configures the bridge's structured logger. Every other
// package takes a *logrus.Entry rather than reaching for a global, but the
// CLI entrypoint builds that entry through here so verbosity and format are
// configured in exactly one place.
package bridgelog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the root logger.
type Options struct {
	// Verbose sets the level to Debug instead of Info.
	Verbose bool
	// JSON switches the formatter from text to JSON, for log aggregation.
	JSON bool
}

// New builds the root logger and returns a component-scoped entry for
// "bridge", the way a Session or the CLI would start using it.
func New(opts Options) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level := logrus.InfoLevel
	if opts.Verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	return logger.WithField("component", "bridge")
}

// For returns a copy of entry scoped to a named subsystem, e.g.
// bridgelog.For(root, "session").
func For(entry *logrus.Entry, component string) *logrus.Entry {
	return entry.WithField("component", component)
}
