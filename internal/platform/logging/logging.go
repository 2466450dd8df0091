// Package logging builds the zerolog logger shared by the server and the
// command-line tools.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the logger outputs.
type Options struct {
	Level   string
	Dev     bool
	File    string
	Service string
	// Stdout overrides os.Stdout, mainly for tests.
	Stdout io.Writer
}

// New returns a logger writing JSON to stdout, or a console format in
// development. When File is set, JSON lines are also written to a rotated
// file.
func New(opts Options) zerolog.Logger {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	var console io.Writer = out
	if opts.Dev {
		console = zerolog.ConsoleWriter{Out: out}
	}

	writers := []io.Writer{console}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	var w io.Writer = console
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
