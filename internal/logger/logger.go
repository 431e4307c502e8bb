// Package logger configures the global zerolog logger and keeps recent
// entries in memory for the /api/v1/logs endpoint.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupWriter points the global logger at w. format "console" gives
// human readable output, anything else zerolog JSON. The CLI logs to
// stderr so decoded records on stdout stay machine readable.
// Every entry is also kept in the buffer returned by GetBuffer.
func SetupWriter(w io.Writer, level, format string) {
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	out := w
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05.000",
			NoColor:    os.Getenv("NO_COLOR") != "",
		}
	}

	ctx := zerolog.New(NewLogBufferWriter(out)).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

// ParseLevel accepts zerolog level names plus "warning" and "off".
// Unknown or empty names give info.
func ParseLevel(level string) zerolog.Level {
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return zerolog.WarnLevel
	case "off":
		return zerolog.Disabled
	case "":
		return zerolog.InfoLevel
	default:
		lvl, err := zerolog.ParseLevel(s)
		if err != nil || lvl == zerolog.NoLevel {
			return zerolog.InfoLevel
		}
		return lvl
	}
}

// Get returns a logger with the given component name
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
