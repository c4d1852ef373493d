// Package logging builds the zerolog logger shared by the database and the
// CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

const filePermission = 0o664

// New returns a logger writing to w at level in the given format. An empty
// level means info; an empty format means JSON.
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parsing log level %q: %w", level, err)
		}
	}

	switch format {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// NewFile appends log output to the file at path. The caller closes the
// returned file.
func NewFile(path, level, format string) (zerolog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermission)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	log, err := New(zerolog.SyncWriter(f), level, format)
	if err != nil {
		f.Close()
		return zerolog.Nop(), nil, err
	}
	return log, f, nil
}
