// Command swiftcast runs the local session proxy: a loopback HTTP server
// that sits between a coding assistant and its upstream model providers,
// adding per-session routing, hooks, custom tasks, and usage accounting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/swiftcast/session-proxy/internal/config"
	"github.com/swiftcast/session-proxy/internal/hooks"
	"github.com/swiftcast/session-proxy/internal/monitoring"
	"github.com/swiftcast/session-proxy/internal/proxy"
	"github.com/swiftcast/session-proxy/internal/store"
	"github.com/swiftcast/session-proxy/internal/tasks"
	"github.com/swiftcast/session-proxy/internal/usage"
	"github.com/swiftcast/session-proxy/internal/webhook"
)

const usageText = `swiftcast - local session proxy for coding assistants

Usage:
  swiftcast [options]

Options:
  --config PATH     Config file (YAML). Default: ~/.swiftcast/config.yaml
  --port PORT       Preferred listen port (scans upward when taken)
  --db PATH         SQLite database path
  --log-dir PATH    Per-session request log directory
  --debug           Enable debug logging
  --version         Print version and exit
  --help            Show this help
`

var version = "dev"

func main() {
	var (
		configPath string
		portFlag   int
		dbPath     string
		logDir     string
		debug      bool
	)

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatalUsage("--config requires a value")
			}
			configPath = args[i]
		case "--port":
			i++
			if i >= len(args) {
				fatalUsage("--port requires a value")
			}
			p, err := strconv.Atoi(args[i])
			if err != nil || p <= 0 || p > 65535 {
				fatalUsage("invalid port: " + args[i])
			}
			portFlag = p
		case "--db":
			i++
			if i >= len(args) {
				fatalUsage("--db requires a value")
			}
			dbPath = args[i]
		case "--log-dir":
			i++
			if i >= len(args) {
				fatalUsage("--log-dir requires a value")
			}
			logDir = args[i]
		case "--debug":
			debug = true
		case "--version":
			fmt.Println("swiftcast " + version)
			return
		case "--help", "-h":
			fmt.Print(usageText)
			return
		default:
			fatalUsage("unknown flag: " + args[i])
		}
	}

	setupLogging(debug)
	loadEnvFiles()

	stateDir, err := config.StateDir()
	if err != nil {
		log.Fatal().Err(err).Msg("state dir unavailable")
	}
	if configPath == "" {
		configPath = filepath.Join(stateDir, "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	cfg.Finalize(stateDir)
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if logDir != "" {
		cfg.Hooks.LogDir = logDir
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("proxy exited")
	}
}

func fatalUsage(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	fmt.Fprint(os.Stderr, usageText)
	os.Exit(2)
}

// setupLogging uses human-readable console output on a terminal and JSON
// otherwise, so piped logs stay machine-parseable.
func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

// loadEnvFiles loads .env from the working directory, then the state dir.
// Existing process variables are never overwritten.
func loadEnvFiles() {
	for _, path := range envFilePaths() {
		if err := godotenv.Load(path); err == nil {
			log.Debug().Str("path", path).Msg("env file loaded")
		}
	}
}

func envFilePaths() []string {
	paths := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, config.DefaultStateDirName, ".env"))
	}
	return paths
}

func run(cfg *config.Config) error {
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	settings := hooks.NewSettings(hooks.SettingsView{
		APILogging:                cfg.Hooks.APILogging,
		LogRetentionDays:          cfg.Hooks.LogRetentionDays,
		CompactionInjection:       cfg.Hooks.CompactionInjection,
		SummarizationInstructions: cfg.Hooks.SummarizationInstructions,
		ContextInjection:          cfg.Hooks.ContextInjection,
		CustomTasks:               cfg.Hooks.CustomTasks,
	})
	overrides := proxy.NewOverrideSource(st)

	providers, err := hooks.LoadProviders(cfg.Providers.Dir)
	if err != nil {
		return err
	}

	chain := hooks.NewChain()
	fileLogger := hooks.NewFileLogger(cfg.Hooks.LogDir, settings, overrides)
	chain.AddObserver(fileLogger)
	chain.AddMutator(hooks.NewCompactionInjector(settings, overrides, providers))

	taskSet := tasks.NewSet(cfg.Tasks.File)
	interceptor := tasks.NewInterceptor(taskSet)

	recorder := usage.NewRecorder(st, config.DefaultUsageBuffer)
	defer recorder.Close()

	tracker := monitoring.NewTracker(cfg.Monitoring.TelemetryPath, cfg.Monitoring.MaxEvents)
	var feed *monitoring.Feed
	if cfg.Monitoring.LiveFeed {
		feed = monitoring.NewFeed()
	}

	webhooks := webhook.NewClient(cfg.Webhook.BaseURL, cfg.Webhook.Enabled, proxy.NewMappingSource(st))

	srv := proxy.New(proxy.Options{
		Config:      cfg,
		Store:       st,
		Settings:    settings,
		Chain:       chain,
		Overrides:   overrides,
		Interceptor: interceptor,
		Recorder:    recorder,
		Tracker:     tracker,
		Feed:        feed,
		Webhooks:    webhooks,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tasks.Watch {
		go func() {
			if err := taskSet.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("task watcher stopped")
			}
		}()
	}
	go sweepLoop(ctx, cfg, st, fileLogger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// sweepLoop periodically prunes stale sessions and expired request logs.
// Pruning is advisory; a returning session id simply gets a fresh row.
func sweepLoop(ctx context.Context, cfg *config.Config, st *store.Store, fileLogger *hooks.FileLogger) {
	ticker := time.NewTicker(cfg.Storage.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.PruneSessions(cfg.Storage.SessionTTL); err != nil {
				log.Warn().Err(err).Msg("session prune failed")
			} else if n > 0 {
				log.Info().Int("pruned", n).Msg("stale sessions removed")
			}
			fileLogger.Cleanup()
		}
	}
}
