package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup initializes the global zerolog level and returns a logger writing to stdout.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for production, "pretty" for human-readable dev output
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return New(os.Stdout, format)
}

// New builds a logger on top of w. Tests pass a buffer here.
func New(w io.Writer, format string) zerolog.Logger {
	var writer io.Writer = w
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Component tags every entry of the returned logger with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
