package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// root stays a no-op until Init runs, which keeps library code and
// tests from writing anywhere by accident.
var root = zerolog.Nop()

// Init configures the process-wide logger. Console output by default,
// JSON when asked (the usual choice inside the cluster).
func Init(level string, json bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	if !json {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	root = zerolog.New(out).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
