// Package logging configures the process-wide zerolog logger and provides
// component-scoped child loggers for the trading subsystems.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Output     string `json:"output" mapstructure:"output"`           // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format" mapstructure:"json_format"` // false = human-readable console
}

var (
	root zerolog.Logger
	once sync.Once
)

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init builds the root logger from config. Safe to call once at boot;
// later calls are ignored.
func Init(cfg Config) {
	once.Do(func() {
		var output io.Writer = os.Stdout
		switch cfg.Output {
		case "", "stdout":
		case "stderr":
			output = os.Stderr
		default:
			if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				output = f
			}
		}
		if !cfg.JSONFormat {
			output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
		}
		root = zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	})
}

// Root returns the root logger, initialising it with defaults if Init was
// never called (tests, small tools).
func Root() zerolog.Logger {
	once.Do(func() {
		root = zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	})
	return root
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Root().With().Str("component", name).Logger()
}

// CycleLogger returns a logger scoped to one trading cycle.
func CycleLogger(uid, symbol, timeframe string) zerolog.Logger {
	return Root().With().
		Str("component", "cycle").
		Str("okx_uid", uid).
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Logger()
}

// OrderLogger returns a logger scoped to one exchange order.
func OrderLogger(uid, symbol, orderID string) zerolog.Logger {
	return Root().With().
		Str("component", "order").
		Str("okx_uid", uid).
		Str("symbol", symbol).
		Str("order_id", orderID).
		Logger()
}
