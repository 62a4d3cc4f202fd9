package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func lastLogEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	f, err := os.Open(LogFile(home))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		t.Fatal("log file is empty")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(last), &entry); err != nil {
		t.Fatalf("decode %q: %v", last, err)
	}
	return entry
}

func TestNewLogger_WritesJSONToHome(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Debug("job evaluated", "job", "morning-check", "status", "skipped-inactive-hours")

	entry := lastLogEntry(t, home)
	want := map[string]any{
		"msg":       "job evaluated",
		"level":     "DEBUG",
		"component": "cordell",
		"job":       "morning-check",
		"status":    "skipped-inactive-hours",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %#v, want %#v", k, entry[k], v)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Errorf("no timestamp key in %#v", entry)
	}
	if _, ok := entry["time"]; ok {
		t.Errorf("time key should be renamed: %#v", entry)
	}
}

func TestNewLogger_ScrubsCredentials(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("telegram sink configured",
		"bot_token", "123456:ABC",
		"AnthropicAPIKey", "whatever",
		"header", "Authorization: Bearer super-secret-token",
		"response", "the key is sk-ant-REDACTED",
		"session", "main",
	)

	entry := lastLogEntry(t, home)
	for _, k := range []string{"bot_token", "AnthropicAPIKey", "header"} {
		if entry[k] != redacted {
			t.Errorf("%s = %#v, want %s", k, entry[k], redacted)
		}
	}
	if got, _ := entry["response"].(string); strings.Contains(got, "sk-ant-") {
		t.Errorf("response still carries a key: %q", got)
	}
	if entry["session"] != "main" {
		t.Errorf("session = %#v, plain values must pass through", entry["session"])
	}
}

func TestNewHandler_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "warn"))
	logger.Info("run started")
	logger.Warn("session busy")

	out := buf.String()
	if strings.Contains(out, "run started") || !strings.Contains(out, "session busy") {
		t.Fatalf("unexpected output at warn level: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
