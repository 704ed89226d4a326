// Package applog wires up the process-wide zerolog configuration: a
// colourized console writer on an interactive terminal, a bare
// newline-delimited JSON writer otherwise, and a per-component sublogger
// pattern so every package's log lines carry a "component" field.
package applog

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Init configures zerolog's global time format and returns a base logger
// at the given level. level accepts zerolog level strings ("debug",
// "info", "warn", "error"); an unrecognised value falls back to info.
func Init(levelName string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = zerolog.ConsoleWriter{Out: colorable.NewColorableStderr()}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a sublogger tagging every line it emits with the
// given component name, the pattern used throughout this module instead
// of passing a bare zerolog.Logger and a name string everywhere.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
