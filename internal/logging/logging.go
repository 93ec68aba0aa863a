// Package logging builds the process-wide logrus logger from configuration.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

// New returns a logger writing to stderr at the configured level. Unknown
// levels fall back to info; format "json" selects the JSON formatter.
func New(cfg config.LogConfig, service string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger.WithField("service", service)
}
