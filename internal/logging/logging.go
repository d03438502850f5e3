// Package logging configures the process-wide zerolog logger once at
// startup with RFC3339 timestamps, as the teacher's cmd/cryptorun/main.go
// does, plus this package's own switch on stderr: a console writer when
// it is a terminal, JSON lines otherwise.
package logging

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger and returns it. level is
// parsed with zerolog.ParseLevel; an unrecognized or empty level falls
// back to info.
func Init(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	var out zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Logger = out
	return out
}
