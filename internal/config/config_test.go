package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/cron"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustJob(t *testing.T, name string, jc config.JobConfig) cron.Job {
	t.Helper()
	j, err := jc.Job(name)
	if err != nil {
		t.Fatalf("job %s: %v", name, err)
	}
	return j
}

func findAgent(cfg config.Config, name string) (agent.Spec, bool) {
	for _, a := range cfg.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return agent.Spec{}, false
}

func TestLoad_FromCordellDir(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeFile(t, config.ConfigPath(home), `
log_level: DEBUG
default_model: opus
jobs:
  morning-check:
    session: main
    schedule: "0 8 * * *"
    prompt: Good morning
    active_hours: [8, 17]
    suppress_ok: true
`)
	t.Setenv("CORDELL_DIR", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.Fresh {
		t.Fatalf("home = %q fresh = %v", cfg.HomeDir, cfg.Fresh)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	jobs := cfg.CronJobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	j := jobs[0]
	if j.Name != "morning-check" || j.Session != "main" || !j.SuppressOK || j.ActiveHours == nil || j.ActiveHours.Start != 8 || j.ActiveHours.End != 17 {
		t.Fatalf("job = %+v", j)
	}
	main, ok := findAgent(cfg, "main")
	if !ok || main.Model != "opus" || main.Runtime != agent.RuntimeCLI {
		t.Fatalf("synthesized default agent = %+v", main)
	}
	if main.Workspace != filepath.Join(home, "workspaces", "main") {
		t.Fatalf("workspace = %q", main.Workspace)
	}
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Fresh {
		t.Fatal("expected Fresh when config.yaml is missing")
	}
	if cfg.BindAddr != "127.0.0.1:18790" || cfg.DefaultAgent != "main" || cfg.DefaultModel != "sonnet" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Scheduler.AcquireTimeout() != 5*time.Second || cfg.Scheduler.RunTimeout() != 10*time.Minute {
		t.Fatalf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if !cfg.Notifications.InboxEnabled() {
		t.Fatal("inbox should default on")
	}
	if len(cfg.Jobs) != 0 || len(cfg.Agents) != 1 {
		t.Fatalf("jobs=%d agents=%d", len(cfg.Jobs), len(cfg.Agents))
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home not created: %v", err)
	}
}

func TestLoad_InvalidJobsAreExcludedOthersLoad(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), `
jobs:
  good:
    schedule: "*/30 * * * *"
    prompt: Check status
  bad-cron:
    schedule: "every tuesday"
    prompt: x
  bad-hours:
    schedule: "0 * * * *"
    prompt: x
    active_hours: [8]
  out-of-range:
    schedule: "0 * * * *"
    prompt: x
    active_hours: [8, 24]
  typo:
    schedule: "0 * * * *"
    prompt: x
    supress_ok: true
  no-prompt:
    schedule: "0 * * * *"
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if _, ok := cfg.Jobs["good"]; !ok {
		t.Fatal("good job missing")
	}
	if got := cfg.CronJobs()[0].Session; got != "main" {
		t.Fatalf("default session = %q", got)
	}

	bad := map[string]*config.ConfigError{}
	for _, e := range cfg.Errors {
		if e.Kind != "job" {
			t.Fatalf("unexpected error kind %+v", e)
		}
		bad[e.Name] = e
	}
	for _, name := range []string{"bad-cron", "bad-hours", "out-of-range", "typo", "no-prompt"} {
		if bad[name] == nil {
			t.Errorf("no ConfigError for %s (errors: %v)", name, cfg.Errors)
		}
	}
	if e := bad["bad-hours"]; e != nil && e.Field != "active_hours" {
		t.Errorf("bad-hours field = %q", e.Field)
	}
	if e := bad["bad-cron"]; e != nil && !errors.Is(e, cron.ErrInvalidJob) {
		t.Errorf("bad-cron should wrap ErrInvalidJob: %v", e)
	}
	if e := bad["typo"]; e != nil && !strings.Contains(e.Error(), "supress_ok") {
		t.Errorf("typo error should name the field: %v", e)
	}
}

func TestLoad_UnknownTopLevelKeyFails(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), "bind_adr: 0.0.0.0:1\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected strict decoding error")
	}
}

func TestLoad_BadTimezoneFails(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), "scheduler:\n  timezone: Mars/Olympus\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestLoad_AgentsFromDirectoriesAndConfig(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "agents", "monitor", "agent.yaml"), `
model: haiku
system_prompt_file: CLAUDE.md
permission_mode: plan
allowed_tools: [Read, Grep]
env:
  TEAM: ops
`)
	writeFile(t, filepath.Join(home, "agents", "monitor", "CLAUDE.md"), "You watch dashboards.")
	writeFile(t, filepath.Join(home, "agents", "research", "agent.yaml"), "name: research\nmodel: sonnet\n")
	writeFile(t, filepath.Join(home, "agents", "broken", "agent.yaml"), "permission_mode: yolo\n")
	writeFile(t, filepath.Join(home, "main.md"), "You are the main agent.")
	writeFile(t, config.ConfigPath(home), `
agents:
  - name: main
    model: opus
    system_prompt_file: main.md
    runtime: api
  - name: research
    model: opus
  - name: weird
    runtime: grpc
`)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	monitor, ok := findAgent(cfg, "monitor")
	if !ok {
		t.Fatalf("monitor missing; errors: %v", cfg.Errors)
	}
	if monitor.Model != "haiku" || monitor.PermissionMode != "plan" || monitor.SystemPrompt != "You watch dashboards." {
		t.Fatalf("monitor = %+v", monitor)
	}
	if env := monitor.EnvList(); len(env) != 1 || env[0] != "TEAM=ops" {
		t.Fatalf("monitor env = %v", env)
	}
	if !monitor.Allows("Grep") || monitor.Allows("Bash") {
		t.Fatalf("monitor tools = %v", monitor.AllowedTools)
	}

	main, _ := findAgent(cfg, "main")
	if main.Runtime != agent.RuntimeAPI || main.SystemPrompt != "You are the main agent." {
		t.Fatalf("main = %+v", main)
	}
	research, _ := findAgent(cfg, "research")
	if research.Model != "opus" {
		t.Fatalf("config.yaml should win over agent dir: %+v", research)
	}

	var failed []string
	for _, e := range cfg.Errors {
		if e.Kind == "agent" {
			failed = append(failed, e.Name)
		}
	}
	if len(failed) != 2 {
		t.Fatalf("agent errors = %v", cfg.Errors)
	}
	if _, ok := findAgent(cfg, "broken"); ok {
		t.Fatal("broken agent loaded")
	}
	if _, ok := findAgent(cfg, "weird"); ok {
		t.Fatal("agent with unknown runtime loaded")
	}
}

func TestLoad_MissingSystemPromptFileIsTolerated(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "agents", "quiet", "agent.yaml"), "system_prompt_file: NOPE.md\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	quiet, ok := findAgent(cfg, "quiet")
	if !ok || quiet.SystemPrompt != "" {
		t.Fatalf("quiet = %+v, errors %v", quiet, cfg.Errors)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), "bind_addr: 127.0.0.1:9999\nlog_level: info\n")
	t.Setenv("CORDELL_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("CORDELL_LOG_LEVEL", "warn")
	t.Setenv("CORDELL_TIMEZONE", "UTC")
	t.Setenv("CORDELL_RUN_TIMEOUT_SECONDS", "90")
	t.Setenv("CLAUDE_BINARY", "/opt/claude")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" || cfg.LogLevel != "warn" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("location = %v, %v", loc, err)
	}
	if cfg.Scheduler.RunTimeout() != 90*time.Second {
		t.Fatalf("run timeout = %s", cfg.Scheduler.RunTimeout())
	}
	if cfg.ClaudeBinary != "/opt/claude" || cfg.AnthropicAPIKey != "sk-test" || cfg.Notifications.Telegram.Token != "123:abc" {
		t.Fatalf("binary/key/token = %q %q %q", cfg.ClaudeBinary, cfg.AnthropicAPIKey, cfg.Notifications.Telegram.Token)
	}
}

func TestSaveJobs_PreservesOtherSettingsAndRoundTrips(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), `
bind_addr: 127.0.0.1:9000
telemetry:
  enabled: false
jobs:
  old:
    schedule: "0 9 * * *"
    prompt: old
`)
	jobs := []cron.Job{
		mustJob(t, "night-watch", config.JobConfig{Session: "ops", Schedule: "0 * * * *", Prompt: "anything?", ActiveHours: []int{22, 6}, SuppressOK: true}),
		mustJob(t, "digest", config.JobConfig{Schedule: "30 7 * * 1-5", Prompt: "summarize"}),
	}
	if err := config.SaveJobs(home, jobs); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("bind addr lost: %q", cfg.BindAddr)
	}
	got := cfg.CronJobs()
	if len(got) != 2 || got[0].Name != "digest" || got[1].Name != "night-watch" {
		t.Fatalf("jobs = %+v", got)
	}
	nw := got[1]
	if nw.Session != "ops" || !nw.SuppressOK || nw.ActiveHours.Start != 22 || nw.ActiveHours.End != 6 {
		t.Fatalf("night-watch = %+v", nw)
	}
	if got[0].Session != "main" {
		t.Fatalf("digest session = %q", got[0].Session)
	}

	data, _ := os.ReadFile(config.ConfigPath(home))
	if strings.Contains(string(data), "old") {
		t.Fatalf("removed job still on disk:\n%s", data)
	}
}

func TestSaveJobs_KeepsExcludedEntries(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), `
jobs:
  good:
    schedule: "0 9 * * *"
    prompt: fine
  typo:
    schedule: "0 25 * * *"
    prompt: hour out of range
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Errors) != 1 || cfg.Errors[0].Name != "typo" {
		t.Fatalf("errors = %v", cfg.Errors)
	}
	store, err := cron.NewJobStore(cfg.CronJobs(), cron.StoreOptions{
		Persist: func(jobs []cron.Job) error { return config.SaveJobs(home, jobs) },
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := store.Add(mustJob(t, "new", config.JobConfig{Schedule: "*/5 * * * *", Prompt: "p"}), "tool"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Remove("good", "tool"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	after, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := after.Jobs["new"]; !ok || len(after.Jobs) != 1 {
		t.Fatalf("jobs = %v, want only new", after.Jobs)
	}
	if len(after.Errors) != 1 || after.Errors[0].Name != "typo" {
		t.Fatalf("excluded job lost on save: %v", after.Errors)
	}
	data, _ := os.ReadFile(config.ConfigPath(home))
	if !strings.Contains(string(data), "0 25 * * *") {
		t.Fatalf("typo entry rewritten:\n%s", data)
	}

	fixed := mustJob(t, "typo", config.JobConfig{Schedule: "0 23 * * *", Prompt: "fixed"})
	if _, err := store.Add(fixed, "tool"); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	final, _ := config.LoadFrom(home)
	if len(final.Errors) != 0 || final.Jobs["typo"].Schedule != "0 23 * * *" {
		t.Fatalf("redefined entry = %+v, errors %v", final.Jobs["typo"], final.Errors)
	}
}

func TestFingerprint_ChangesWithJobs(t *testing.T) {
	home := t.TempDir()
	a, _ := config.LoadFrom(home)
	b, _ := config.LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	if err := config.SaveJobs(home, []cron.Job{mustJob(t, "x", config.JobConfig{Schedule: "0 * * * *", Prompt: "p"})}); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, _ := config.LoadFrom(home)
	if c.Fingerprint() == a.Fingerprint() {
		t.Fatal("fingerprint ignored job change")
	}
}
