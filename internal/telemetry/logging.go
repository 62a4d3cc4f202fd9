package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/basket/cordell/internal/shared"
)

const redacted = "[REDACTED]"

// secretKeyParts mark attribute keys whose values are never logged.
var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// LogFile is the daemon log relative to the cordell home.
func LogFile(homeDir string) string {
	return filepath.Join(homeDir, "logs", "system.jsonl")
}

// NewLogger returns the daemon logger. Records always go to LogFile and are
// mirrored to stdout unless quiet is set. The returned closer owns the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := LogFile(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	sinks := []io.Writer{f}
	if !quiet {
		sinks = append(sinks, os.Stdout)
	}
	logger := slog.New(NewHandler(io.MultiWriter(sinks...), level))
	return logger.With("component", "cordell"), f, nil
}

// NewHandler is a JSON handler that names the time key "timestamp" and scrubs
// credentials from attributes.
func NewHandler(w io.Writer, level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrubAttr,
	})
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case isSecretKey(a.Key):
		a.Value = slog.StringValue(redacted)
	case a.Value.Kind() == slog.KindString:
		a.Value = slog.StringValue(scrubValue(a.Value.String()))
	}
	return a
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	return slices.ContainsFunc(secretKeyParts, func(part string) bool {
		return strings.Contains(key, part)
	})
}

// scrubValue hides header-shaped strings entirely and masks known key formats
// inside free text.
func scrubValue(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") || strings.Contains(lower, "bearer ") {
		return redacted
	}
	return shared.Redact(v)
}

// ParseLevel maps a config or CORDELL_LOG_LEVEL string to a slog level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
