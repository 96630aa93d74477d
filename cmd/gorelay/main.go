package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-relay/internal/admission"
	"github.com/basket/go-relay/internal/agent"
	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/cron"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/gateway"
	otelPkg "github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// Retention windows for the hourly housekeeping pass. Job rows themselves
// are pruned by keep-last count, not age.
const (
	retentionJobEventDays = 90
	retentionAuditLogDays = 365
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the relay daemon
  %s daemon                   Same, explicit (for service units)

SUBCOMMANDS:
  %s doctor [-json]           Run diagnostic checks
  %s status                   Query the running daemon's /api/status
  %s backup [dest]            Snapshot the database (VACUUM INTO dest)
  %s backend [name]           Show or switch the agent backend
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GORELAY_HOME            Data directory (default: ~/.gorelay)
  GORELAY_BACKEND         Agent backend: claude, opencode, codex
  GORELAY_BIND_ADDR       Gateway bind address (default: 127.0.0.1:18790)
  GORELAY_CLAUDE_BIN      Explicit agent binary path (same for
                          GORELAY_OPENCODE_BIN, GORELAY_CODEX_BIN)
  TELEGRAM_BOT_TOKEN      Telegram bot token; enables the chat channel

EXAMPLES:
  Run the relay:          %s
  Check the environment:  %s doctor
  Daemon health:          %s status
  Snapshot the database:  %s backup /tmp/gorelay-snapshot.db
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "backend":
			os.Exit(runBackendCommand(args[1:]))
		case "daemon":
			help, err := parseDaemonArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if help {
				printUsage()
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

// parseDaemonArgs accepts an optional help token after "daemon" and rejects
// anything else.
func parseDaemonArgs(args []string) (help bool, err error) {
	switch len(args) {
	case 0:
		return false, nil
	case 1:
		switch args[0] {
		case "-h", "--help", "help":
			return true, nil
		}
		return false, fmt.Errorf("usage: gorelay daemon [--help] (unexpected argument %q)", args[0])
	default:
		return false, fmt.Errorf("usage: gorelay daemon [--help]")
	}
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "backend", cfg.Backend, "home", cfg.HomeDir)
	if cfg.NeedsInit {
		logger.Info("config.yaml not found, running on defaults",
			"path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, splitErr := net.SplitHostPort(cfg.Gateway.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.Gateway.AuthToken == "" {
			logger.Warn("gateway bound beyond loopback with no auth_token; the management API is open",
				"bind_addr", cfg.Gateway.BindAddr)
		}
	}

	loc, locErr := cfg.Location()
	if locErr != nil {
		logger.Warn("timezone fell back to UTC", "error", locErr)
	}

	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		fatalStartup(logger, "E_WORKDIR_CREATE", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "gorelay.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	if err := cron.SyncSchedules(ctx, store, cfg.Schedules, loc); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SYNC", err)
	}

	// Spawn pipeline: resolver, backend adapter, resume fallback.
	resolver := agent.NewResolver(map[string]string{
		config.BackendClaude:   cfg.Binaries.Claude,
		config.BackendOpencode: cfg.Binaries.Opencode,
		config.BackendCodex:    cfg.Binaries.Codex,
	})
	adapter, err := agent.New(cfg.Backend, resolver, agent.Options{Timezone: loc})
	if err != nil {
		fatalStartup(logger, "E_BACKEND_INIT", err)
	}
	runner := agent.NewFallbackRunner(adapter)

	g, gctx := errgroup.WithContext(ctx)

	limiter := admission.NewLimiter(cfg.RateLimit)
	limiter.StartSweep(gctx, time.Minute)
	gate := engine.NewGate(cfg.Limits)
	gate.StartSweep(gctx, time.Minute)

	eng := engine.New(store, runner, limiter, gate, engine.Config{
		WorkerCount:         cfg.Queue.WorkerCount,
		PollInterval:        time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		JobTimeout:          time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second,
		MaxAttempts:         cfg.Queue.MaxAttempts,
		MaxQueueDepth:       cfg.Queue.MaxQueueDepth,
		MaxConcurrentSpawns: cfg.Queue.MaxConcurrentSpawns,
		SystemPrompt:        cfg.SystemPrompt,
		WorkingDir:          cfg.WorkingDir,
		Bus:                 eventBus,
		Metrics:             metrics,
		Tracer:              otelProvider.Tracer,
	})
	eng.Start(gctx)
	logger.Info("startup phase", "phase", "engine_started")

	gw := gateway.New(gateway.Config{
		Store:     store,
		Engine:    eng,
		Bus:       eventBus,
		AuthToken: cfg.Gateway.AuthToken,
		Metrics:   metrics,
	})
	server := &http.Server{
		Addr:    cfg.Gateway.BindAddr,
		Handler: gw.Handler(),
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Gateway.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.Gateway.BindAddr)
			fatalStartup(logger, "E_GATEWAY_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	})
	logger.Info("startup phase", "phase", "gateway_bound", "addr", cfg.Gateway.BindAddr)

	cronSched := cron.NewScheduler(cron.Config{
		Store:    store,
		Relay:    eng,
		Location: loc,
	})
	cronSched.Start(gctx)

	if cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram, eng, eventBus)
		// The channel reconnects on its own; a startup failure (bad token)
		// is logged but never takes the relay down with it.
		go func() {
			if err := tg.Start(gctx); err != nil && gctx.Err() == nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
		logger.Info("startup phase", "phase", "telegram_starting",
			"allowed_ids", len(cfg.Channels.Telegram.AllowedIDs))
	} else {
		logger.Info("telegram channel disabled, no token configured")
	}

	// Hourly housekeeping: prune completed jobs past keep-last, purge aged
	// job events and audit rows.
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if pruned, err := store.PruneJobs(gctx, cfg.Queue.KeepLast); err != nil {
					logger.Error("job prune failed", "error", err)
				} else if pruned > 0 {
					logger.Info("completed jobs pruned", "count", pruned)
				}
				result, err := store.RunRetention(gctx, retentionJobEventDays, retentionAuditLogDays)
				if err != nil {
					logger.Error("retention run failed", "error", err)
				} else if result.PurgedJobEvents+result.PurgedAuditLogs > 0 {
					logger.Info("retention run completed",
						"purged_job_events", result.PurgedJobEvents,
						"purged_audit_logs", result.PurgedAuditLogs)
				}
			}
		}
	})

	// Config watcher: the running process keeps its startup config; a
	// change is surfaced on the bus and in the log so the operator knows a
	// restart is pending.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			baseline := cfg.Fingerprint()
			for ev := range watcher.Events() {
				next, loadErr := config.Load()
				if loadErr != nil {
					logger.Error("config reload failed, keeping running config",
						"path", ev.Path, "error", loadErr)
					continue
				}
				fp := next.Fingerprint()
				if fp == baseline {
					logger.Debug("config file touched without effective change", "path", ev.Path)
					continue
				}
				baseline = fp
				eventBus.Publish(bus.Event{
					Topic:   bus.TopicConfigReloaded,
					Payload: bus.ConfigReloadedEvent{Path: ev.Path, Fingerprint: fp},
				})
				logger.Warn("config changed on disk, restart to apply",
					"path", ev.Path, "fingerprint", fp)
			}
			return nil
		})
	}

	logger.Info("relay ready", "backend", cfg.Backend, "workers", cfg.Queue.WorkerCount)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("component failure, shutting down", "error", err)
	} else {
		logger.Info("shutdown signal received")
	}

	// Shutdown order: scheduler stops feeding the queue, then workers
	// drain. Jobs still leased after the timeout recover on next startup.
	cronSched.Stop()
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	eng.Drain(drainTimeout)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change gateway.bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change gateway.bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
