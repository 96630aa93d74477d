// Package doctor runs environment diagnostics for the relay: config,
// agent binaries, database, permissions, channel wiring, schedules and
// network reachability. Each check returns a result instead of failing
// fast so the operator sees the whole picture in one pass.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-relay/internal/agent"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/cron"
	"github.com/basket/go-relay/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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
		checkBinaries,
		checkDatabase,
		checkPermissions,
		checkWorkDir,
		checkTelegram,
		checkSchedules,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing (running on defaults)",
			Detail:  fmt.Sprintf("Create %s to customize", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkBinaries resolves all supported agent CLIs. A missing configured
// backend fails the check; missing alternates only warn.
func checkBinaries(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Binaries", Status: "SKIP", Message: "Config missing"}
	}

	resolver := agent.NewResolver(map[string]string{
		config.BackendClaude:   cfg.Binaries.Claude,
		config.BackendOpencode: cfg.Binaries.Opencode,
		config.BackendCodex:    cfg.Binaries.Codex,
	})

	var details []string
	status := "PASS"
	message := ""

	for _, backend := range []string{config.BackendClaude, config.BackendOpencode, config.BackendCodex} {
		res, err := resolver.Resolve(backend)
		if err != nil {
			if backend == cfg.Backend {
				status = "FAIL"
				message = fmt.Sprintf("Configured backend %q not found", backend)
				details = append(details, fmt.Sprintf("%s: missing (set %s or install the CLI)", backend, agent.OverrideEnvVar(backend)))
			} else {
				if status == "PASS" {
					status = "WARN"
				}
				details = append(details, fmt.Sprintf("%s: missing", backend))
			}
			continue
		}
		marker := ""
		if backend == cfg.Backend {
			marker = " [configured]"
		}
		if len(res.Prefix) > 0 {
			details = append(details, fmt.Sprintf("%s: %s (%s)%s", backend, strings.Join(append(res.Prefix, res.Path), " "), res.Provenance, marker))
		} else {
			details = append(details, fmt.Sprintf("%s: %s (%s)%s", backend, res.Path, res.Provenance, marker))
		}
	}

	if message == "" {
		message = fmt.Sprintf("Configured backend %q resolved", cfg.Backend)
	}

	return CheckResult{
		Name:    "Agent Binaries",
		Status:  status,
		Message: message,
		Detail:  strings.Join(details, "; "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsInit {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "gorelay.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	queued, running, err := store.JobCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, queued=%d, running=%d", dbPath, queued, running),
	}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkWorkDir verifies the directory agent processes run in. The daemon
// creates it on startup, so a missing directory is only a warning here.
func checkWorkDir(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Working Directory", Status: "SKIP", Message: "Config missing"}
	}

	info, err := os.Stat(cfg.WorkingDir)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Working Directory",
			Status:  "WARN",
			Message: fmt.Sprintf("%s does not exist (created on daemon start)", cfg.WorkingDir),
		}
	}
	if err != nil {
		return CheckResult{Name: "Working Directory", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Working Directory", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.WorkingDir)}
	}

	testFile := filepath.Join(cfg.WorkingDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Working Directory", Status: "FAIL", Message: fmt.Sprintf("Unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Working Directory", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.WorkingDir)}
}

// checkTelegram reports channel wiring without ever printing the token.
func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}

	tg := cfg.Channels.Telegram
	if tg.Token == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "Channel disabled (no token)",
			Detail:  "Set TELEGRAM_BOT_TOKEN to enable the chat channel",
		}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "Token set but allow-list is empty",
			Detail:  "Every sender is denied until telegram.allowed_ids lists at least one chat id",
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("Token set, %d allowed chat id(s)", len(tg.AllowedIDs)),
		Detail:  fmt.Sprintf("resume_keyword=%q", tg.ResumeKeyword),
	}
}

// checkSchedules parses every declared cron expression before the daemon
// trips over it at startup.
func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: "PASS", Message: "No schedules declared"}
	}

	loc, err := cfg.Location()
	if err != nil {
		return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("Bad timezone: %v", err)}
	}

	now := time.Now().In(loc)
	var details []string
	status := "PASS"

	for _, sched := range cfg.Schedules {
		next, err := cron.NextRunTime(sched.Cron, now)
		if err != nil {
			status = "FAIL"
			details = append(details, fmt.Sprintf("%s: invalid expression %q", sched.Name, sched.Cron))
			continue
		}
		if !sched.Enabled {
			details = append(details, fmt.Sprintf("%s: disabled", sched.Name))
			continue
		}
		details = append(details, fmt.Sprintf("%s: next run %s", sched.Name, next.Format(time.RFC3339)))
	}

	message := fmt.Sprintf("%d schedule(s) valid", len(cfg.Schedules))
	if status == "FAIL" {
		message = "Invalid cron expression in config"
	}

	return CheckResult{
		Name:    "Schedules",
		Status:  status,
		Message: message,
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	// The agent CLIs manage their own credentials; all the relay can
	// usefully probe is reachability of the backend's API host.
	endpoints := map[string]string{
		config.BackendClaude:   "api.anthropic.com",
		config.BackendOpencode: "api.anthropic.com",
		config.BackendCodex:    "api.openai.com",
	}

	host, ok := endpoints[cfg.Backend]
	if !ok {
		host = "api.anthropic.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("backend=%s, latency=%dms", cfg.Backend, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("backend=%s, addresses=%v", cfg.Backend, addrs),
	}
}
