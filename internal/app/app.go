// Package app assembles the engine: configuration, storage, the bus, the
// permission gate, tools, MCP servers, providers, the turn engine, and the
// HTTP server, wired the same way for the CLI and for tests.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moikas-code/kuuzuki/internal/auth"
	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/mcp"
	"github.com/moikas-code/kuuzuki/internal/observability"
	"github.com/moikas-code/kuuzuki/internal/permission"
	"github.com/moikas-code/kuuzuki/internal/plugin"
	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/server"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/storage"
	"github.com/moikas-code/kuuzuki/internal/tool"
	"github.com/moikas-code/kuuzuki/internal/turn"
)

// EnvDataDir overrides data-directory discovery.
const EnvDataDir = "KUUZUKI_DATA"

// EnvShareURL overrides the share service endpoint.
const EnvShareURL = "KUUZUKI_SHARE_URL"

const defaultShareURL = "https://share.kuuzuki.com"

// DataDir resolves the engine's data directory: $KUUZUKI_DATA, then
// $XDG_DATA_HOME/kuuzuki, then ~/.local/share/kuuzuki.
func DataDir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "kuuzuki"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("app: resolve data dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "kuuzuki"), nil
}

// Options configures New. Zero values mean discovery defaults.
type Options struct {
	// Directory is the project working directory tools operate in.
	// Defaults to the current directory.
	Directory string

	// ConfigPath overrides config discovery.
	ConfigPath string

	// DataDir overrides data-directory discovery.
	DataDir string

	// Hostname and Port override the config server block.
	Hostname string
	Port     *int

	Version string

	// LogLevel overrides the config log level.
	LogLevel string

	// PrintLogs sends logs to stderr instead of the data-dir log file.
	PrintLogs bool

	// LogOutput overrides the logger destination entirely (tests).
	LogOutput *os.File
}

// App holds the wired engine.
type App struct {
	Logger   *slog.Logger
	Bus      *bus.Bus
	Storage  *storage.Store
	Auth     *auth.Store
	Gate     *permission.Gate
	Sessions *session.Store
	Registry *tool.Registry
	Plugins  *plugin.Host
	MCP      *mcp.Manager
	Engine   *turn.Engine
	Server   *server.Server
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	DataDir   string
	Directory string

	watcher      *config.Watcher
	snapshot     func() *config.Config
	tracerStop   func(context.Context) error
	unsubscribes []func()
	logFile      *os.File
}

func openLogFile(dataDir string) (*os.File, error) {
	dir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "kuuzuki.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// Config returns the live configuration snapshot.
func (a *App) Config() *config.Config {
	return a.snapshot()
}

// New wires an engine. Nothing starts listening until Start.
func New(opts Options) (*App, error) {
	directory := opts.Directory
	if directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("app: working directory: %w", err)
		}
		directory = wd
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = DataDir()
		if err != nil {
			return nil, err
		}
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.Discover(directory)
	}
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath, slog.Default())
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}
	applyServerOverrides(cfg, opts)

	logCfg := observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	var logFile *os.File
	switch {
	case opts.LogOutput != nil:
		logCfg.Output = opts.LogOutput
	case !opts.PrintLogs:
		// Logs default to a file so stdout/stderr stay usable for
		// command output.
		if f, err := openLogFile(dataDir); err == nil {
			logCfg.Output = f
			logFile = f
		}
	}
	logger := observability.NewLogger(logCfg)

	metrics := observability.NewMetrics()
	tracer, tracerStop := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "kuuzuki",
		ServiceVersion: opts.Version,
		Endpoint:       cfg.Tracing.Endpoint,
	})

	b := bus.New(logger)
	b.OnPublish(func(env bus.Envelope) {
		metrics.BusEventCounter.WithLabelValues(env.Type).Inc()
	})

	st, err := storage.Open(dataDir, logger, storage.WithWriteListener(func(key string) {
		b.Publish(context.Background(), storage.EventWrite{Key: key})
	}))
	if err != nil {
		return nil, err
	}
	authStore := auth.NewStore(dataDir)

	app := &App{
		Logger:     logger,
		Bus:        b,
		Storage:    st,
		Auth:       authStore,
		Metrics:    metrics,
		Tracer:     tracer,
		DataDir:    dataDir,
		Directory:  directory,
		tracerStop: tracerStop,
		logFile:    logFile,
	}

	if configPath != "" {
		watcher, err := config.Watch(configPath, cfg, b, logger)
		if err != nil {
			logger.Warn("config watch failed, reload disabled", "path", configPath, "error", err)
			app.snapshot = func() *config.Config { return cfg }
		} else {
			app.watcher = watcher
			app.snapshot = watcher.Current
		}
	} else {
		app.snapshot = func() *config.Config { return cfg }
	}

	app.Plugins = plugin.NewHost(logger)
	app.Plugins.Attach(b)

	rules, err := permission.ParseRules(cfg.Permission)
	if err != nil {
		return nil, err
	}
	app.Gate = permission.New(rules, b, logger,
		permission.WithAskHook(app.Plugins.AskHook()),
		permission.WithDecisionListener(func(decision string) {
			metrics.PermissionDecisionCounter.WithLabelValues(decision).Inc()
		}),
	)
	// Config reloads re-derive the permission ruleset.
	app.unsubscribes = append(app.unsubscribes, b.Subscribe(func(ctx context.Context, env bus.Envelope) error {
		reloaded, err := permission.ParseRules(app.snapshot().Permission)
		if err != nil {
			logger.Warn("reloaded permission rules invalid, keeping previous", "error", err)
			return nil
		}
		app.Gate.SetRules(reloaded)
		return nil
	}, "config.updated"))

	var sessionOpts []session.Option
	if cfg.Share != config.ShareDisabled {
		shareURL := os.Getenv(EnvShareURL)
		if shareURL == "" {
			shareURL = defaultShareURL
		}
		policy := cfg.Share
		if policy == "" {
			policy = config.ShareManual
		}
		sessionOpts = append(sessionOpts, session.WithShareClient(session.NewHTTPShareClient(shareURL), policy))
	}
	app.Sessions = session.NewStore(st, b, logger, sessionOpts...)

	app.Registry = tool.NewRegistry()
	resolver := tool.NewResolver(app.Registry)
	validator := tool.NewValidator()
	app.MCP = mcp.NewManager(cfg.MCP, app.Registry, b, logger)

	providers := provider.NewFactory(cfg.Provider, authStore, logger)

	app.Engine = turn.NewEngine(turn.Options{
		Snapshot:  app.snapshot,
		Sessions:  app.Sessions,
		Registry:  app.Registry,
		Resolver:  resolver,
		Validator: validator,
		Plugins:   app.Plugins,
		Gate:      app.Gate,
		Providers: providers,
		Bus:       b,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
		Directory: directory,
	})
	tool.RegisterBuiltins(app.Registry, directory, tool.NewTodoStore(), app.Engine)

	app.Server = server.New(server.Options{
		Hostname: cfg.Server.Hostname,
		Port:     cfg.Server.Port,
		Sessions: app.Sessions,
		Engine:   app.Engine,
		Gate:     app.Gate,
		Bus:      b,
		Logger:   logger,
		Metrics:  metrics,
		DataDir:  dataDir,
		Version:  opts.Version,
	})

	return app, nil
}

func applyServerOverrides(cfg *config.Config, opts Options) {
	if opts.Hostname != "" {
		cfg.Server.Hostname = opts.Hostname
	}
	if opts.Port != nil {
		cfg.Server.Port = *opts.Port
	}
}

// Start launches MCP servers and the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.MCP.Start(ctx)
	return a.Server.Start(ctx)
}

// Shutdown stops the server, MCP servers, plugins, the config watcher, and
// the tracer, in that order.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	a.MCP.Stop()
	for _, unsub := range a.unsubscribes {
		unsub()
	}
	a.Plugins.Close()
	if a.watcher != nil {
		if cerr := a.watcher.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.tracerStop != nil {
		if terr := a.tracerStop(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return err
}
