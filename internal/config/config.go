// Package config loads the cordell home directory: config.yaml, the per-agent
// agent.yaml files and the environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/history"
	otelPkg "github.com/basket/cordell/internal/otel"
	"github.com/basket/cordell/internal/shared"
)

const (
	defaultBindAddr = "127.0.0.1:18790"
	defaultLogLevel = "info"
)

// ConfigError reports one job or agent that was left out of the loaded
// configuration. The rest of the file still loads.
type ConfigError struct {
	Kind  string // "job" or "agent"
	Name  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s %q: %s: %v", e.Kind, e.Name, e.Field, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// JobConfig is a job as written under jobs: in config.yaml.
type JobConfig struct {
	Session     string `yaml:"session,omitempty"`
	Schedule    string `yaml:"schedule"`
	Prompt      string `yaml:"prompt"`
	ActiveHours []int  `yaml:"active_hours,omitempty,flow"`
	SuppressOK  bool   `yaml:"suppress_ok,omitempty"`
}

// Job validates the entry and returns the compiled job.
func (j JobConfig) Job(name string) (cron.Job, error) {
	job := cron.Job{
		Name:       name,
		Session:    j.Session,
		Schedule:   j.Schedule,
		Prompt:     j.Prompt,
		SuppressOK: j.SuppressOK,
	}
	if j.ActiveHours != nil {
		if len(j.ActiveHours) != 2 {
			return cron.Job{}, &ConfigError{Kind: "job", Name: name, Field: "active_hours", Err: fmt.Errorf("want [start, end], got %d values", len(j.ActiveHours))}
		}
		job.ActiveHours = &cron.Window{Start: j.ActiveHours[0], End: j.ActiveHours[1]}
	}
	compiled, err := job.Compile()
	if err != nil {
		return cron.Job{}, &ConfigError{Kind: "job", Name: name, Err: err}
	}
	return compiled, nil
}

// JobConfigFrom is the inverse of JobConfig.Job.
func JobConfigFrom(j cron.Job) JobConfig {
	out := JobConfig{Schedule: j.Schedule, Prompt: j.Prompt, SuppressOK: j.SuppressOK}
	if j.Session != shared.DefaultSession {
		out.Session = j.Session
	}
	if w := j.ActiveHours; w != nil {
		out.ActiveHours = []int{w.Start, w.End}
	}
	return out
}

// AgentConfig is an agent definition, from config.yaml or agent.yaml.
type AgentConfig struct {
	Name             string            `yaml:"name"`
	Model            string            `yaml:"model"`
	SystemPromptFile string            `yaml:"system_prompt_file"`
	PermissionMode   string            `yaml:"permission_mode"`
	AllowedTools     []string          `yaml:"allowed_tools"`
	Env              map[string]string `yaml:"env"`
	Runtime          string            `yaml:"runtime"`
}

type SchedulerConfig struct {
	AcquireTimeoutSeconds int    `yaml:"acquire_timeout_seconds"`
	RunTimeoutSeconds     int    `yaml:"run_timeout_seconds"`
	Timezone              string `yaml:"timezone"`
	NotifyBuffer          int    `yaml:"notify_buffer"`
	// RunRetentionDays bounds the run ledger. 0 keeps every run.
	RunRetentionDays int `yaml:"run_retention_days"`
	// QuietFailures stops error and timed-out runs from notifying.
	QuietFailures bool `yaml:"quiet_failures"`
}

func (s SchedulerConfig) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutSeconds) * time.Second
}

func (s SchedulerConfig) RunTimeout() time.Duration {
	return time.Duration(s.RunTimeoutSeconds) * time.Second
}

// Location resolves Timezone. Empty means the host's local time.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	return loc, nil
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotificationsConfig struct {
	// Inbox keeps notifications in the local database. Defaults to true.
	Inbox    *bool          `yaml:"inbox"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// InboxEnabled reports whether the sqlite inbox sink is on.
func (n NotificationsConfig) InboxEnabled() bool {
	return n.Inbox == nil || *n.Inbox
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string `yaml:"bind_addr"`
	LogLevel     string `yaml:"log_level"`
	DefaultAgent string `yaml:"default_agent"`
	DefaultModel string `yaml:"default_model"`
	ClaudeBinary string `yaml:"claude_binary"`
	// AnthropicAPIKey is used by agents with runtime: api.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// ReplayLimit caps the logged records replayed into a fresh connection.
	ReplayLimit int `yaml:"replay_limit"`

	// AllowOrigins lists Origin patterns accepted for browser WebSocket
	// connections to the gateway.
	AllowOrigins []string `yaml:"allow_origins"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Telemetry     otelPkg.Config      `yaml:"telemetry"`

	// Jobs and Agents hold only the entries that validated.
	Jobs   map[string]JobConfig `yaml:"-"`
	Agents []agent.Spec         `yaml:"-"`
	// Errors lists the entries that were left out.
	Errors []*ConfigError `yaml:"-"`
	// Fresh is set when config.yaml did not exist.
	Fresh bool `yaml:"-"`
}

// rawConfig is the on-disk shape. Jobs and agents are decoded one at a time
// so a bad entry only drops itself.
type rawConfig struct {
	Config `yaml:",inline"`
	Jobs   map[string]yaml.Node `yaml:"jobs"`
	Agents []yaml.Node          `yaml:"agents"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:     defaultBindAddr,
		LogLevel:     defaultLogLevel,
		DefaultAgent: shared.DefaultSession,
		DefaultModel: agent.DefaultModel,
		ClaudeBinary: "claude",
		Scheduler: SchedulerConfig{
			AcquireTimeoutSeconds: int(cron.DefaultAcquireTimeout.Seconds()),
			RunTimeoutSeconds:     int(cron.DefaultRunTimeout.Seconds()),
			NotifyBuffer:          64,
			RunRetentionDays:      30,
		},
		Jobs: map[string]JobConfig{},
	}
}

// HomeDir returns CORDELL_DIR, or ~/.cordell.
func HomeDir() string {
	if override := os.Getenv("CORDELL_DIR"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cordell")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) SessionsDir() string   { return filepath.Join(c.HomeDir, "sessions") }
func (c Config) AgentsDir() string     { return filepath.Join(c.HomeDir, "agents") }
func (c Config) WorkspacesDir() string { return filepath.Join(c.HomeDir, "workspaces") }
func (c Config) DBPath() string        { return filepath.Join(c.HomeDir, "cordell.db") }

// Load reads the configuration from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the configuration rooted at homeDir, creating the directory
// if needed. Invalid jobs and agents are reported in Config.Errors; only a
// malformed file or an unusable top-level setting fails the load.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create cordell home: %w", err)
	}

	raw := rawConfig{Config: cfg}
	data, err := os.ReadFile(ConfigPath(homeDir))
	switch {
	case os.IsNotExist(err):
		cfg.Fresh = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(bytes.TrimSpace(data)) > 0:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg = raw.Config
		cfg.HomeDir = homeDir
		cfg.Jobs = map[string]JobConfig{}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if _, err := cfg.Scheduler.Location(); err != nil {
		return cfg, err
	}

	for name, node := range raw.Jobs {
		jc, cerr := decodeJob(name, &node)
		if cerr != nil {
			cfg.Errors = append(cfg.Errors, cerr)
			continue
		}
		cfg.Jobs[name] = jc
	}

	cfg.Agents = loadAgents(&cfg, raw.Agents)
	sort.Slice(cfg.Errors, func(i, j int) bool {
		if cfg.Errors[i].Kind != cfg.Errors[j].Kind {
			return cfg.Errors[i].Kind < cfg.Errors[j].Kind
		}
		return cfg.Errors[i].Name < cfg.Errors[j].Name
	})
	return cfg, nil
}

// decodeJob strictly decodes and validates one jobs: entry.
func decodeJob(name string, node *yaml.Node) (JobConfig, *ConfigError) {
	var jc JobConfig
	if err := decodeStrict(node, &jc); err != nil {
		return jc, &ConfigError{Kind: "job", Name: name, Err: err}
	}
	if _, err := jc.Job(name); err != nil {
		var ce *ConfigError
		if !errors.As(err, &ce) {
			ce = &ConfigError{Kind: "job", Name: name, Err: err}
		}
		return jc, ce
	}
	return jc, nil
}

func decodeStrict(node *yaml.Node, out any) error {
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// loadAgents merges <home>/agents/*/agent.yaml with the agents: list; an
// entry in config.yaml wins over a directory of the same name. The default
// agent is synthesized when nothing defines it.
func loadAgents(cfg *Config, nodes []yaml.Node) []agent.Spec {
	byName := make(map[string]agent.Spec)

	entries, err := os.ReadDir(cfg.AgentsDir())
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(cfg.AgentsDir(), e.Name())
			data, err := os.ReadFile(filepath.Join(dir, "agent.yaml"))
			if err != nil {
				if !os.IsNotExist(err) {
					cfg.Errors = append(cfg.Errors, &ConfigError{Kind: "agent", Name: e.Name(), Err: err})
				}
				continue
			}
			var ac AgentConfig
			var node yaml.Node
			if err := yaml.Unmarshal(data, &node); err != nil {
				cfg.Errors = append(cfg.Errors, &ConfigError{Kind: "agent", Name: e.Name(), Err: err})
				continue
			}
			if len(node.Content) > 0 {
				if err := decodeStrict(node.Content[0], &ac); err != nil {
					cfg.Errors = append(cfg.Errors, &ConfigError{Kind: "agent", Name: e.Name(), Err: err})
					continue
				}
			}
			if ac.Name == "" {
				ac.Name = e.Name()
			}
			spec, cerr := cfg.resolveAgent(ac, dir)
			if cerr != nil {
				cfg.Errors = append(cfg.Errors, cerr)
				continue
			}
			byName[spec.Name] = spec
		}
	}

	for i := range nodes {
		var ac AgentConfig
		if err := decodeStrict(&nodes[i], &ac); err != nil {
			cfg.Errors = append(cfg.Errors, &ConfigError{Kind: "agent", Name: fmt.Sprintf("agents[%d]", i), Err: err})
			continue
		}
		spec, cerr := cfg.resolveAgent(ac, cfg.HomeDir)
		if cerr != nil {
			cfg.Errors = append(cfg.Errors, cerr)
			continue
		}
		byName[spec.Name] = spec
	}

	if _, ok := byName[cfg.DefaultAgent]; !ok {
		byName[cfg.DefaultAgent] = agent.Spec{
			Name:           cfg.DefaultAgent,
			Model:          cfg.DefaultModel,
			PermissionMode: agent.DefaultPermissionMode,
			Runtime:        agent.RuntimeCLI,
			Workspace:      filepath.Join(cfg.WorkspacesDir(), cfg.DefaultAgent),
		}
	}

	out := make([]agent.Spec, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// resolveAgent validates ac and reads its system prompt relative to baseDir.
func (c Config) resolveAgent(ac AgentConfig, baseDir string) (agent.Spec, *ConfigError) {
	fail := func(field string, err error) (agent.Spec, *ConfigError) {
		return agent.Spec{}, &ConfigError{Kind: "agent", Name: ac.Name, Field: field, Err: err}
	}
	if err := history.ValidateSession(ac.Name); err != nil {
		return fail("name", err)
	}
	spec := agent.Spec{
		Name:             ac.Name,
		Model:            ac.Model,
		SystemPromptFile: ac.SystemPromptFile,
		PermissionMode:   ac.PermissionMode,
		AllowedTools:     ac.AllowedTools,
		Env:              ac.Env,
		Runtime:          ac.Runtime,
		Workspace:        filepath.Join(c.WorkspacesDir(), ac.Name),
	}
	if spec.Model == "" {
		spec.Model = c.DefaultModel
	}
	if spec.PermissionMode == "" {
		spec.PermissionMode = agent.DefaultPermissionMode
	}
	if !agent.ValidPermissionMode(spec.PermissionMode) {
		return fail("permission_mode", fmt.Errorf("unknown mode %q", spec.PermissionMode))
	}
	switch spec.Runtime {
	case "":
		spec.Runtime = agent.RuntimeCLI
	case agent.RuntimeCLI, agent.RuntimeAPI:
	default:
		return fail("runtime", fmt.Errorf("unknown runtime %q", spec.Runtime))
	}
	if f := spec.SystemPromptFile; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(baseDir, f)
		}
		b, err := os.ReadFile(f)
		switch {
		case err == nil:
			spec.SystemPrompt = string(b)
		case !os.IsNotExist(err):
			return fail("system_prompt_file", err)
		}
	}
	return spec, nil
}

// CronJobs returns the compiled jobs sorted by name.
func (c Config) CronJobs() []cron.Job {
	out := make([]cron.Job, 0, len(c.Jobs))
	for name, jc := range c.Jobs {
		if j, err := jc.Job(name); err == nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprint returns a stable hash of the jobs and agents, used to skip
// reloads that change nothing.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		j := c.Jobs[name]
		fmt.Fprintf(h, "job=%s|%s|%s|%q|%v|%v\n", name, j.Session, j.Schedule, j.Prompt, j.ActiveHours, j.SuppressOK)
	}
	fmt.Fprintf(h, "default=%s\n", c.DefaultAgent)
	for _, a := range c.Agents {
		fmt.Fprintf(h, "agent=%s|%s|%s|%s|%v|%v|%s|%x\n", a.Name, a.Model, a.PermissionMode, a.Runtime, a.AllowedTools, a.EnvList(), a.Workspace, fnv64(a.SystemPrompt))
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = shared.DefaultSession
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = agent.DefaultModel
	}
	if cfg.ClaudeBinary == "" {
		cfg.ClaudeBinary = "claude"
	}
	if cfg.Scheduler.AcquireTimeoutSeconds <= 0 {
		cfg.Scheduler.AcquireTimeoutSeconds = int(cron.DefaultAcquireTimeout.Seconds())
	}
	if cfg.Scheduler.RunTimeoutSeconds <= 0 {
		cfg.Scheduler.RunTimeoutSeconds = int(cron.DefaultRunTimeout.Seconds())
	}
	if cfg.Scheduler.NotifyBuffer <= 0 {
		cfg.Scheduler.NotifyBuffer = 64
	}
	if cfg.Scheduler.RunRetentionDays < 0 {
		cfg.Scheduler.RunRetentionDays = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CORDELL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CORDELL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CORDELL_DEFAULT_AGENT"); raw != "" {
		cfg.DefaultAgent = raw
	}
	if raw := os.Getenv("CORDELL_TIMEZONE"); raw != "" {
		cfg.Scheduler.Timezone = raw
	}
	if raw := os.Getenv("CORDELL_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.RunTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CORDELL_ACQUIRE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.AcquireTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAUDE_BINARY"); raw != "" {
		cfg.ClaudeBinary = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.AnthropicAPIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notifications.Telegram.Token = raw
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals the map and replaces config.yaml atomically.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config.yaml: %w", err)
	}
	return nil
}

// SaveJobs rewrites the jobs: section of config.yaml, preserving every
// other setting. Entries that Load excludes as invalid are kept as written
// unless jobs redefines the same name.
func SaveJobs(homeDir string, jobs []cron.Job) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	section := excludedJobs(raw["jobs"])
	for _, j := range jobs {
		section[j.Name] = JobConfigFrom(j)
	}
	raw["jobs"] = section
	return saveRawConfig(path, raw)
}

// excludedJobs returns the entries of a decoded jobs: section that fail
// validation.
func excludedJobs(section any) map[string]any {
	kept := map[string]any{}
	entries, ok := section.(map[string]any)
	if !ok {
		return kept
	}
	for name, entry := range entries {
		b, err := yaml.Marshal(entry)
		if err != nil {
			kept[name] = entry
			continue
		}
		var node yaml.Node
		if err := yaml.Unmarshal(b, &node); err != nil || len(node.Content) == 0 {
			kept[name] = entry
			continue
		}
		if _, cerr := decodeJob(name, node.Content[0]); cerr != nil {
			kept[name] = entry
		}
	}
	return kept
}
