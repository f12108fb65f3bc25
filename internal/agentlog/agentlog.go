// Package agentlog constructs the process logger.
//
// Same debug/production split and JSON formatter choice used
// throughout this codebase's logging: debug mode logs to stderr (there
// is no interactive terminal to preserve on a headless device) and
// production mode logs to the configured log directory (spec.md §4.1
// log.dir) instead of being discarded.
package agentlog

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// New builds a logger. When debug is true it logs at Debug level to
// stderr; otherwise it logs at level to logDir/pantavisor.log.
func New(debug bool, level, logDir string) *logrus.Entry {
	log := logrus.New()
	log.Formatter = &logrus.JSONFormatter{}

	if debug {
		log.SetLevel(logrus.DebugLevel)
		log.Out = os.Stderr
		return log.WithField("mode", "debug")
	}

	log.SetLevel(parseLevel(level))
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(logDir, "pantavisor.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				log.Out = f
			}
		}
	}
	return log.WithField("mode", "production")
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
