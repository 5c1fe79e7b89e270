// Package log configures the global zerolog logger for the service.
package log

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup configures the global logger. Level is one of zerolog's named
// levels (trace..panic); unknown values fall back to info. Format selects
// the output encoding: "json", "console", or "auto" (console when stderr
// is a terminal).
func Setup(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if useConsole(format) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func useConsole(format string) bool {
	switch strings.ToLower(format) {
	case "console", "text":
		return true
	case "auto":
		return term.IsTerminal(int(os.Stderr.Fd()))
	default:
		return false
	}
}

// Component returns a logger scoped to a named service component.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
