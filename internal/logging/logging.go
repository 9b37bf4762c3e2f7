// Package logging builds the process logger: slog text records to stderr,
// optionally mirrored to a size-rotated log file, with store credentials
// redacted.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures the process logger.
type Options struct {
	Level     string // debug, info, warn or error
	File      string // rotating log file; empty logs to Stderr only
	MaxSizeMB int
	MaxFiles  int

	// Stderr receives console output. Defaults to os.Stderr.
	Stderr io.Writer
}

// New returns a logger and a closer for the log file, if any. The closer is
// never nil.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	if opts.Stderr != nil {
		out = opts.Stderr
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating, err := NewRotatingWriter(RotationConfig{
			File:      opts.File,
			MaxSizeMB: opts.MaxSizeMB,
			MaxFiles:  opts.MaxFiles,
		})
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(out, rotating)
		closer = rotating
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(NewRedactingHandler(handler)), closer, nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
