package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format is "json" or "console".
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}

	switch format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q: want json or console", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
