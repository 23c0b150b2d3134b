package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SetupLogger installs the default logger on stdout.
func SetupLogger(level, format string) error {
	return SetupLoggerTo(os.Stdout, level, format)
}

// SetupLoggerTo installs the default logger on w. Use stderr when stdout
// carries a protocol such as MCP.
func SetupLoggerTo(w io.Writer, level, format string) error {
	logger, err := NewLogger(w, level, format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
