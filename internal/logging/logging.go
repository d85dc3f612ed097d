package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. "json" writes one JSON object per line;
// anything else uses zerolog's console writer.
func New(out io.Writer, format, level string) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := SetLevel(level); err != nil {
		return zerolog.Nop(), err
	}
	if strings.EqualFold(format, "json") {
		return zerolog.New(out).With().Timestamp().Logger(), nil
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger(), nil
}

// SetLevel changes the process-wide minimum level. An empty level means info.
func SetLevel(level string) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
