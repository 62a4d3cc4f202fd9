package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/gateway"
	"github.com/basket/cordell/internal/history"
	"github.com/basket/cordell/internal/notify"
	otelPkg "github.com/basket/cordell/internal/otel"
	"github.com/basket/cordell/internal/persistence"
	"github.com/basket/cordell/internal/session"
	"github.com/basket/cordell/internal/telemetry"
	"github.com/basket/cordell/internal/tools"
)

// startupError carries a stable reason code for failures before the daemon
// is serving.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *startupError) Unwrap() error { return e.Err }

func fail(code string, err error) error { return &startupError{Code: code, Err: err} }

type daemonOptions struct {
	Quiet bool
	// Ready is called with the gateway's listen address once it serves.
	Ready func(addr string)
}

func newDaemonCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler, sessions and gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				fatalStartup(nil, "E_CONFIG_LOAD", err)
			}
			err = runDaemon(cmd.Context(), cfg, daemonOptions{Quiet: quiet})
			var se *startupError
			if errors.As(err, &se) {
				fatalStartup(slog.Default(), se.Code, se.Err)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to the log file only")
	return cmd
}

// runDaemon wires every component from cfg and blocks until ctx is done.
func runDaemon(ctx context.Context, cfg config.Config, opts daemonOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.Quiet)
	if err != nil {
		return fail("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fresh", cfg.Fresh)
	for _, cerr := range cfg.Errors {
		logger.Warn("config entry excluded", "kind", cerr.Kind, "name", cerr.Name, "field", cerr.Field, "error", cerr.Err)
	}
	warnOnOpenBind(logger, cfg)

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return fail("E_CONFIG_TIMEZONE", err)
	}

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	instruments, err := otelPkg.NewInstruments(provider.Meter)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return fail("E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "db_opened", "path", cfg.DBPath())

	token, generated, err := config.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		return fail("E_AUTH_TOKEN", err)
	}
	if generated {
		logger.Info("auth.token generated", "path", config.AuthTokenPath(cfg.HomeDir))
	}

	metrics := telemetry.NewMetrics()
	eventBus := bus.New()
	agents := agent.NewRegistry(cfg.DefaultAgent, cfg.Agents...)
	toolbox := tools.NewRegistry()
	reader := history.NewReader(cfg.SessionsDir(), logger)

	sessions, err := session.New(session.Config{
		Dir: cfg.SessionsDir(),
		Dialer: agent.RuntimeDialer{
			agent.RuntimeCLI: &agent.CLIDialer{Binary: cfg.ClaudeBinary, Logger: logger},
			agent.RuntimeAPI: &agent.APIDialer{APIKey: cfg.AnthropicAPIKey, Tools: toolbox, Logger: logger},
		},
		Agents:      agents,
		Reader:      reader,
		ReplayLimit: cfg.ReplayLimit,
		Bus:         eventBus,
		Metrics:     metrics,
		Tracer:      provider.Tracer,
		Instruments: instruments,
		Logger:      logger,
	})
	if err != nil {
		return fail("E_SESSIONS_INIT", err)
	}
	defer sessions.Close()

	jobs, err := cron.NewJobStore(cfg.CronJobs(), cron.StoreOptions{
		Persist: func(jobs []cron.Job) error { return config.SaveJobs(cfg.HomeDir, jobs) },
		Bus:     eventBus,
		Metrics: metrics,
	})
	if err != nil {
		return fail("E_JOBS_INIT", err)
	}
	engine := cron.NewEngine(cron.Config{
		Jobs:           jobs,
		Sessions:       sessions,
		Ledger:         store,
		Bus:            eventBus,
		Metrics:        metrics,
		Tracer:         provider.Tracer,
		Instruments:    instruments,
		Logger:         logger,
		AcquireTimeout: cfg.Scheduler.AcquireTimeout(),
		RunTimeout:     cfg.Scheduler.RunTimeout(),
		Location:       loc,
		NotifyBuffer:   cfg.Scheduler.NotifyBuffer,
		NotifyFailures: !cfg.Scheduler.QuietFailures,
	})
	if err := tools.RegisterJobTools(toolbox, engine); err != nil {
		return fail("E_TOOLS_INIT", err)
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Sinks:   buildSinks(cfg, store, logger),
		Bus:     eventBus,
		Metrics: metrics,
		Logger:  logger,
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, engine.Notifications())
	}()

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reloadLoop(ctx, watcher.Events(), cfg.HomeDir, &fingerprint, jobs, agents, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pruneLoop(ctx, store, cfg.Scheduler.RunRetentionDays, logger)
	}()

	gw := gateway.New(gateway.Config{
		Scheduler:         engine,
		Sessions:          sessions,
		History:           reader,
		Store:             store,
		Tools:             toolbox,
		Bus:               eventBus,
		Metrics:           metrics,
		AuthToken:         token,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: func() string { return fingerprint.Load().(string) },
		AcquireTimeout:    cfg.Scheduler.AcquireTimeout(),
		Version:           otelPkg.Version,
		Logger:            logger,
	})
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		cancel()
		engine.Stop()
		wg.Wait()
		if isAddrInUse(err) {
			return fail("E_BIND", fmt.Errorf("%w. %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return fail("E_BIND", err)
	}
	server := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", ln.Addr().String())

	engine.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(jobs.List()), "timezone", loc.String())
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		runErr = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	// Stop waits for in-flight runs and closes the notification queue, which
	// ends the dispatcher.
	engine.Stop()
	wg.Wait()
	logger.Info("shutdown complete")
	return runErr
}

func buildSinks(cfg config.Config, store *persistence.Store, logger *slog.Logger) []notify.Sink {
	var sinks []notify.Sink
	if cfg.Notifications.InboxEnabled() {
		sinks = append(sinks, notify.InboxSink{Store: store})
	}
	tg := cfg.Notifications.Telegram
	if tg.Enabled {
		sink, err := notify.NewTelegramSink(tg.Token, tg.ChatIDs, notify.TelegramOptions{Logger: logger})
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// reloadLoop re-reads the configuration after file changes and swaps in
// the new jobs and agents. Bursts of events are coalesced.
func reloadLoop(ctx context.Context, events <-chan config.ReloadEvent, homeDir string, fingerprint *atomic.Value,
	jobs *cron.JobStore, agents *agent.Registry, logger *slog.Logger) {
	const settle = 250 * time.Millisecond
	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			timer = time.After(settle)
		case <-timer:
			timer = nil
			next, err := config.LoadFrom(homeDir)
			if err != nil {
				logger.Error("config reload failed; keeping current configuration", "error", err)
				continue
			}
			fp := next.Fingerprint()
			if fp == fingerprint.Load().(string) {
				continue
			}
			for _, cerr := range next.Errors {
				logger.Warn("config entry excluded", "kind", cerr.Kind, "name", cerr.Name, "field", cerr.Field, "error", cerr.Err)
			}
			agents.Replace(next.DefaultAgent, next.Agents)
			if err := jobs.Replace(next.CronJobs(), "reload"); err != nil {
				logger.Error("job reload rejected", "error", err)
				continue
			}
			fingerprint.Store(fp)
			logger.Info("config reloaded", "jobs", len(next.Jobs), "agents", len(next.Agents), "fingerprint", fp)
		}
	}
}

// pruneLoop deletes run ledger entries older than the retention window,
// once at startup and then hourly.
func pruneLoop(ctx context.Context, store *persistence.Store, days int, logger *slog.Logger) {
	if days <= 0 {
		return
	}
	prune := func() {
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		n, err := store.PruneRuns(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("run retention failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("run retention completed", "purged_runs", n)
		}
	}
	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func warnOnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h != "127.0.0.1" && h != "localhost" && h != "::1" && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; browser WebSocket clients must be same-origin", "bind_addr", cfg.BindAddr)
	}
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing daemon or change bind_addr in config.yaml.", port)
}
