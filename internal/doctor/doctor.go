// Package doctor runs local diagnostics for a cordell home: configuration,
// agent runtimes, the run ledger and the gateway address.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTimezone,
		checkRuntimes,
		checkDatabase,
		checkPermissions,
		checkGateway,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if len(cfg.Errors) > 0 {
		lines := make([]string, len(cfg.Errors))
		for i, e := range cfg.Errors {
			lines[i] = e.Error()
		}
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d entr(ies) excluded from %s", len(cfg.Errors), config.ConfigPath(cfg.HomeDir)),
			Detail:  strings.Join(lines, "; "),
		}
	}
	if cfg.Fresh {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml not found; running on defaults"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d job(s), %d agent(s) loaded from %s", len(cfg.Jobs), len(cfg.Agents), cfg.HomeDir),
	}
}

func checkTimezone(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Timezone", Status: StatusSkip, Message: "Config missing"}
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return CheckResult{Name: "Timezone", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{
		Name:    "Timezone",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schedules and active hours use %s (now %s)", loc, time.Now().In(loc).Format("15:04")),
	}
}

// checkRuntimes verifies that every runtime an agent selects can start.
func checkRuntimes(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runtimes", Status: StatusSkip, Message: "Config missing"}
	}
	users := map[string][]string{}
	for _, spec := range cfg.Agents {
		rt := spec.Runtime
		if rt == "" {
			rt = agent.RuntimeCLI
		}
		users[rt] = append(users[rt], spec.Name)
	}
	if len(users) == 0 {
		return CheckResult{Name: "Runtimes", Status: StatusWarn, Message: "No agents defined"}
	}

	status := StatusPass
	var details []string
	if names := users[agent.RuntimeCLI]; len(names) > 0 {
		if path, err := exec.LookPath(cfg.ClaudeBinary); err != nil {
			status = StatusFail
			details = append(details, fmt.Sprintf("cli: %s not found on PATH (agents %s)", cfg.ClaudeBinary, strings.Join(names, ", ")))
		} else {
			details = append(details, "cli: "+path)
		}
	}
	if names := users[agent.RuntimeAPI]; len(names) > 0 {
		if cfg.AnthropicAPIKey == "" {
			status = StatusFail
			details = append(details, fmt.Sprintf("api: anthropic_api_key not set (agents %s)", strings.Join(names, ", ")))
		} else {
			details = append(details, "api: key configured")
		}
	}
	sort.Strings(details)
	msg := "All agent runtimes available"
	if status == StatusFail {
		msg = "An agent runtime is unavailable"
	}
	return CheckResult{Name: "Runtimes", Status: status, Message: msg, Detail: strings.Join(details, "; ")}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	unread, err := store.UnreadCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	runs, err := store.ListRuns(ctx, "", 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := "no runs recorded"
	if len(runs) > 0 {
		detail = fmt.Sprintf("last run %s (%s) at %s", runs[0].Job, runs[0].Status, runs[0].StartedAt.Format(time.RFC3339))
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid, %d unread notification(s)", unread),
		Detail:  detail,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.SessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(probe)
	}
	if info, err := os.Stat(config.AuthTokenPath(cfg.HomeDir)); err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  StatusWarn,
			Message: "auth.token is readable by other users",
			Detail:  fmt.Sprintf("chmod 600 %s", config.AuthTokenPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and session directories writable"}
}

// checkGateway reports whether bind_addr is free or already held, usually
// by a running daemon.
func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
			Detail:  "expected when the daemon is running; otherwise change bind_addr",
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}
