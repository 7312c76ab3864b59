// Package logging configures the process-wide logrus logger and hands out
// component-scoped entries.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "BLEKIT_LOG_LEVEL"
	EnvLogFormat = "BLEKIT_LOG_FORMAT"
)

// Config selects level and output format. Empty fields keep logrus defaults.
type Config struct {
	Level  string    `toml:"level" yaml:"level"`
	Format string    `toml:"format" yaml:"format"` // "text" or "json"
	Output io.Writer `toml:"-" yaml:"-"`
}

var configureOnce sync.Once

// Configure applies cfg, then environment overrides, to the standard logger.
// Only the first call has any effect.
func Configure(cfg Config) {
	configureOnce.Do(func() {
		apply(logrus.StandardLogger(), cfg)
	})
}

func apply(l *logrus.Logger, cfg Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Format = v
	}

	if lvl, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level)); err == nil {
		l.SetLevel(lvl)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	}
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
