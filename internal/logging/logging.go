package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a structured logger tagged with component.
func New(component, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, component, level)
}

func NewWithWriter(w io.Writer, component, level string) zerolog.Logger {
	zerolog.DurationFieldUnit = time.Millisecond
	return zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger().
		Level(ParseLevel(level))
}

// Nop discards everything; used where no logger was supplied.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
