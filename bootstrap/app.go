package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"posdesk/config"
	"posdesk/host"
	"posdesk/migrate"

	"go.uber.org/zap"
)

// State is the application lifecycle position
type State int

const (
	StateNotMigrated State = iota
	StateMigrationAttempted
	StateHostRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotMigrated:
		return "not_migrated"
	case StateMigrationAttempted:
		return "migration_attempted"
	case StateHostRunning:
		return "host_running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status reports
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// App represents the posdesk shell with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Host   *host.Host
	Runner *migrate.Runner
	Bridge *host.Bridge

	stderr io.Writer

	mu               sync.Mutex
	state            State
	startupMigration *migrate.Outcome
	shutdownOnce     sync.Once
}

// Status is reported on GET /status
type Status struct {
	State            State            `json:"state"`
	StartupMode      string           `json:"startup_mode"`
	StartupMigration *migrate.Outcome `json:"startup_migration,omitempty"`
	MigrationRuns    int              `json:"migration_runs"`
}

// Option customizes NewAppWithConfig
type Option func(*appOptions)

type appOptions struct {
	stderr        io.Writer
	runnerOptions *migrate.Options
	secrets       config.SecretManager
}

// WithStderr redirects startup banners
func WithStderr(w io.Writer) Option {
	return func(o *appOptions) { o.stderr = w }
}

// WithRunnerOptions replaces the runner options derived from config
func WithRunnerOptions(opts migrate.Options) Option {
	return func(o *appOptions) { o.runnerOptions = &opts }
}

// WithSecretManager replaces the secret provider selected by config
func WithSecretManager(sm config.SecretManager) Option {
	return func(o *appOptions) { o.secrets = sm }
}

// NewApp creates a new application instance from the default config
// locations and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("posdesk starting...")

	cfg, err := InitConfig("", sugar)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig runs the startup sequence with an already loaded config:
// data directories, the startup migration under the configured policy, then
// plugin registration.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := appOptions{stderr: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
		stderr: o.stderr,
		state:  StateNotMigrated,
	}

	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	runnerOpts := migrate.OptionsFromConfig(cfg.Migration)
	if o.runnerOptions != nil {
		runnerOpts = *o.runnerOptions
	}
	app.Runner = migrate.NewRunner(runnerOpts, sugar.Named("migrate"))

	if err := app.runStartupMigration(ctx); err != nil {
		return nil, err
	}

	secrets := o.secrets
	if secrets == nil && cfg.Vault.Enabled && cfg.Vault.AutoUnlock {
		sm, err := config.NewSecretManager(cfg)
		if err != nil {
			sugar.Warnw("Secret provider unavailable, vault stays locked",
				"provider", cfg.Secrets.Provider,
				"error", err)
		} else {
			secrets = sm
		}
	}

	app.Host = host.New(sugar.Named("host"))
	if err := RegisterPlugins(ctx, app.Host, cfg, app.Runner, secrets, app.stderr, sugar); err != nil {
		if closeErr := app.Host.Close(); closeErr != nil {
			sugar.Warnw("Failed to close partially initialized plugins", "error", closeErr)
		}
		return nil, err
	}

	return app, nil
}

// runStartupMigration applies the startup_mode policy to the migration
// result. Graceful mode logs the failure and continues.
func (a *App) runStartupMigration(ctx context.Context) error {
	if !a.Config.Migration.Enabled {
		a.Sugar.Info("Startup migration disabled by configuration")
		return nil
	}

	if config.IsProduction() {
		if _, fromEnv := a.Runner.DatabaseURL(); !fromEnv && a.Config.Migration.DefaultDatabaseURL == config.PlaceholderDatabaseURL {
			a.Sugar.Warnw("Connection descriptor not set in production, the placeholder default will be used",
				"env", a.Config.Migration.DatabaseURLEnv)
		}
	}

	err := a.Runner.Run(ctx)

	a.mu.Lock()
	a.state = StateMigrationAttempted
	if outcome, ok := a.Runner.LastOutcome(); ok {
		a.startupMigration = &outcome
	}
	a.mu.Unlock()

	if err == nil {
		return nil
	}

	title := "WARNING: Database Migration Failed"
	if a.Config.IsStrict() {
		title = "FATAL: Database Migration Failed"
	}
	printBanner(a.stderr, title, ClassifyMigrationError(err, a.Config.Migration))

	if a.Config.IsStrict() {
		return fmt.Errorf("startup migration failed: %w", err)
	}
	a.Sugar.Warnw("Continuing startup after failed migration",
		"startup_mode", string(config.StartupModeGraceful))
	return nil
}

// Start starts the IPC bridge and publishes the startup migration outcome.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return errors.New("application already stopped")
	}
	a.mu.Unlock()

	if a.Config.Bridge.Enabled {
		bridge, err := host.NewBridge(a.Host, host.BridgeConfig{
			Addr:              a.Config.Bridge.Addr,
			TokenPath:         a.Config.DataPaths.TokenPath,
			TokenTTL:          a.Config.Bridge.TokenTTL,
			AllowedOrigins:    a.Config.Bridge.AllowedOrigins,
			RequestsPerSecond: a.Config.Bridge.RateLimit.RequestsPerSecond,
			Burst:             a.Config.Bridge.RateLimit.Burst,
		}, func() any { return a.Status() }, a.Sugar.Named("bridge"))
		if err != nil {
			return fmt.Errorf("failed to initialize IPC bridge: %w", err)
		}
		if err := bridge.Start(); err != nil {
			printBanner(a.stderr, "FATAL: IPC Bridge Failed",
				fmt.Sprintf("Could not listen on %s: %v\n"+
					"  Remediation:\n"+
					"  - Close any other posdesk instance\n"+
					"  - Choose another address with POSDESK_BRIDGE_ADDR", a.Config.Bridge.Addr, err))
			return err
		}
		a.Bridge = bridge
	} else {
		a.Sugar.Info("IPC bridge disabled by configuration")
	}

	a.mu.Lock()
	a.state = StateHostRunning
	outcome := a.startupMigration
	a.mu.Unlock()

	if outcome != nil {
		a.Host.Emit(migrate.EventStatus, outcome)
	}

	a.Sugar.Infow("posdesk running",
		"plugins", a.Host.Plugins(),
		"commands", len(a.Host.Commands()))
	return nil
}

// State returns the current lifecycle state
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status reports lifecycle state and migration history
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		State:            a.state,
		StartupMode:      string(a.Config.StartupMode),
		StartupMigration: a.startupMigration,
		MigrationRuns:    a.Runner.Runs(),
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	sig := <-c
	a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
}

// Shutdown stops the bridge, closes plugins in reverse registration order
// and flushes the logger. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		a.Sugar.Info("Phase 1: Stopping IPC bridge...")
		if a.Bridge != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Bridge.Stop(ctx); err != nil {
				a.Sugar.Errorw("Failed to stop IPC bridge", "error", err)
			}
			cancel()
		}

		a.Sugar.Info("Phase 2: Closing plugins...")
		if a.Host != nil {
			if err := a.Host.Close(); err != nil {
				a.Sugar.Errorw("Failed to close plugins", "error", err)
			}
		}

		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}
