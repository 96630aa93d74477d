package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backends supported by the agent adapter. The config value selects which
// one a worker spawns.
const (
	BackendClaude   = "claude"
	BackendOpencode = "opencode"
	BackendCodex    = "codex"
)

// BinariesConfig holds per-backend explicit binary path overrides.
// Empty means the resolver searches for the binary itself.
type BinariesConfig struct {
	Claude   string `yaml:"claude"`
	Opencode string `yaml:"opencode"`
	Codex    string `yaml:"codex"`
}

// ForBackend returns the configured override path for a backend, or "".
func (b BinariesConfig) ForBackend(backend string) string {
	switch backend {
	case BackendClaude:
		return b.Claude
	case BackendOpencode:
		return b.Opencode
	case BackendCodex:
		return b.Codex
	}
	return ""
}

// RateLimitConfig controls per-user admission. MaxRequests 0 disables the check.
type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`
	WindowMs    int `yaml:"window_ms"`
}

// LimitsConfig controls per-thread turn and session-duration gates.
// Zero or negative disables a gate.
type LimitsConfig struct {
	MaxTurns          int `yaml:"max_turns"`
	MaxSessionMinutes int `yaml:"max_session_minutes"`
}

// QueueConfig tunes the durable job queue and worker pool.
type QueueConfig struct {
	WorkerCount         int `yaml:"worker_count"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	JobTimeoutSeconds   int `yaml:"job_timeout_seconds"`
	KeepLast            int `yaml:"keep_last"`
	MaxQueueDepth       int `yaml:"max_queue_depth"`       // 0 = unlimited
	MaxConcurrentSpawns int `yaml:"max_concurrent_spawns"` // 0 = unbounded
}

// TelegramConfig configures the chat channel. The channel runs whenever a
// token is present; the token itself is only ever read from the
// TELEGRAM_BOT_TOKEN environment variable or the config file, never logged.
type TelegramConfig struct {
	Token         string  `yaml:"token"`
	AllowedIDs    []int64 `yaml:"allowed_ids"`
	ResumeKeyword string  `yaml:"resume_keyword"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

// ScheduleConfig declares a cron-driven synthetic prompt. Declared schedules
// are reconciled into the store at startup.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Prompt   string `yaml:"prompt"`
	ThreadID string `yaml:"thread_id"`
	Enabled  bool   `yaml:"enabled"`
}

// OtelConfig mirrors internal/otel.Config so the exporter setup can be driven
// from config.yaml.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Backend    string `yaml:"backend"`
	WorkingDir string `yaml:"working_dir"`
	Timezone   string `yaml:"timezone"`
	LogLevel   string `yaml:"log_level"`

	// DrainTimeoutSeconds bounds shutdown drain. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Binaries  BinariesConfig   `yaml:"binaries"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Limits    LimitsConfig     `yaml:"limits"`
	Queue     QueueConfig      `yaml:"queue"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Otel      OtelConfig       `yaml:"otel"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// SystemPrompt is loaded from PROMPT.md, never from yaml.
	SystemPrompt string `yaml:"-"`

	NeedsInit bool `yaml:"-"`
}

// Location parses the configured timezone. Falls back to UTC on error so a
// bad timezone never blocks startup; callers log the substitution.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
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

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetBackend updates the active backend in config.yaml, preserving other settings.
func SetBackend(homeDir, backend string) error {
	if !validBackend(backend) {
		return fmt.Errorf("unknown backend %q (supported: claude, opencode, codex)", backend)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["backend"] = backend
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "backend=%s|workers=%d|attempts=%d|bind=%s|log=%s|tz=%s|rate=%d/%d|turns=%d",
		c.Backend, c.Queue.WorkerCount, c.Queue.MaxAttempts, c.Gateway.BindAddr,
		c.LogLevel, c.Timezone, c.RateLimit.MaxRequests, c.RateLimit.WindowMs, c.Limits.MaxTurns)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Backend:             BackendClaude,
		Timezone:            "UTC",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		RateLimit: RateLimitConfig{
			MaxRequests: 0,
			WindowMs:    int((time.Minute).Milliseconds()),
		},
		Queue: QueueConfig{
			WorkerCount:       2,
			PollIntervalMs:    250,
			MaxAttempts:       3,
			JobTimeoutSeconds: int((10 * time.Minute).Seconds()),
			KeepLast:          200,
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GORELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gorelay")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gorelay home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := validateSchema(data); err != nil {
			return cfg, fmt.Errorf("config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validBackend(backend string) bool {
	switch backend {
	case BackendClaude, BackendOpencode, BackendCodex:
		return true
	}
	return false
}

func normalize(cfg *Config) {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = BackendClaude
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Join(cfg.HomeDir, "work")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RateLimit.WindowMs <= 0 {
		cfg.RateLimit.WindowMs = int((time.Minute).Milliseconds())
	}
	if cfg.Queue.WorkerCount <= 0 {
		cfg.Queue.WorkerCount = 2
	}
	if cfg.Queue.PollIntervalMs <= 0 {
		cfg.Queue.PollIntervalMs = 250
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.JobTimeoutSeconds <= 0 {
		cfg.Queue.JobTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Queue.KeepLast <= 0 {
		cfg.Queue.KeepLast = 200
	}
	if cfg.Queue.MaxQueueDepth < 0 {
		cfg.Queue.MaxQueueDepth = 0
	}
	if cfg.Queue.MaxConcurrentSpawns < 0 {
		cfg.Queue.MaxConcurrentSpawns = 0
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Channels.Telegram.ResumeKeyword == "" {
		cfg.Channels.Telegram.ResumeKeyword = "resume"
	}
}

func validate(cfg *Config) error {
	if !validBackend(cfg.Backend) {
		return fmt.Errorf("unknown backend %q (supported: claude, opencode, codex)", cfg.Backend)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	for _, sched := range cfg.Schedules {
		if strings.TrimSpace(sched.Name) == "" {
			return fmt.Errorf("schedule with empty name")
		}
		if strings.TrimSpace(sched.Cron) == "" {
			return fmt.Errorf("schedule %q: empty cron expression", sched.Name)
		}
		if strings.TrimSpace(sched.Prompt) == "" {
			return fmt.Errorf("schedule %q: empty prompt", sched.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GORELAY_BACKEND"); raw != "" {
		cfg.Backend = raw
	}
	if raw := os.Getenv("GORELAY_CLAUDE_BIN"); raw != "" {
		cfg.Binaries.Claude = raw
	}
	if raw := os.Getenv("GORELAY_OPENCODE_BIN"); raw != "" {
		cfg.Binaries.Opencode = raw
	}
	if raw := os.Getenv("GORELAY_CODEX_BIN"); raw != "" {
		cfg.Binaries.Codex = raw
	}
	if raw := os.Getenv("GORELAY_WORKDIR"); raw != "" {
		cfg.WorkingDir = raw
	}
	if raw := os.Getenv("GORELAY_TZ"); raw != "" {
		cfg.Timezone = raw
	}
	if raw := os.Getenv("GORELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GORELAY_RATE_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.MaxRequests = v
		}
	}
	if raw := os.Getenv("GORELAY_RATE_WINDOW_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.WindowMs = v
		}
	}
	if raw := os.Getenv("GORELAY_MAX_TURNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxTurns = v
		}
	}
	if raw := os.Getenv("GORELAY_MAX_SESSION_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxSessionMinutes = v
		}
	}
	if raw := os.Getenv("GORELAY_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.WorkerCount = v
		}
	}
	if raw := os.Getenv("GORELAY_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("GORELAY_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxAttempts = v
		}
	}
	if raw := os.Getenv("GORELAY_JOB_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.JobTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GORELAY_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("GORELAY_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	promptPath := filepath.Join(cfg.HomeDir, "PROMPT.md")
	if b, err := os.ReadFile(promptPath); err == nil {
		cfg.SystemPrompt = string(b)
	}
}
