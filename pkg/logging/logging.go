// Package logging provides the structured logger shared by every
// backend subsystem. Each subsystem logs through a component logger
// (Component("pools"), Component("swapengine"), Component("claims"),
// ...) so a single daemon log can be filtered per concern; log lines
// are key-value structured, e.g.
//
//	log.Info("pool created", "pool_id", p.ID, "lp_minted", minted)
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Logger wraps charmbracelet/log so component derivation and level
// parsing stay in one place.
type Logger struct {
	*log.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Output     io.Writer
}

// New creates a logger from cfg; a nil cfg yields an info-level logger
// on stderr.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	logger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
	})
	logger.SetLevel(ParseLevel(cfg.Level))

	return &Logger{Logger: logger}
}

// ParseLevel maps a config string to a log level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info", "":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Component derives a sub-logger prefixed with a subsystem name
// (ledger, pools, swapengine, liquidity, markets, claims, journal,
// rpcapi, sweepers).
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.WithPrefix(name)}
}

// With derives a sub-logger carrying fixed key-value context.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...)}
}

var defaultLogger = New(nil)

// SetDefault installs the process-wide logger; cmd/kongswapd calls it
// once after flag parsing.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the process-wide logger.
func GetDefault() *Logger {
	return defaultLogger
}
