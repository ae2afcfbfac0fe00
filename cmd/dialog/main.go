// Command dialog runs the conversation orchestration service.
//
// Usage:
//
//	dialog serve --config config.yaml
//	dialog validate --config config.yaml
//	dialog schema > schema.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/dialogtree/dialog/pkg/config"
	"github.com/dialogtree/dialog/pkg/engine"
	"github.com/dialogtree/dialog/pkg/logger"
	"github.com/dialogtree/dialog/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("dialog version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server and the conversation engine behind it.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch config file for model catalog changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for serve command")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	eng, err := engine.New(ctx, cfg, engine.Options{})
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("Engine shutdown error", "error", err)
		}
	}()

	if c.Watch {
		if err := eng.WatchConfig(cli.Config); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}

	srv := server.New(eng, cfg.Server)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("Server ready",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"tenants", len(cfg.Tenants),
		"models", len(cfg.Models),
		"sync", cfg.Sync.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// ValidateCmd loads the configuration and reports the first problem found.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate command")
	}
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d tenant(s), %d provider(s), %d model(s)\n",
		len(cfg.Tenants), len(cfg.Providers), len(cfg.Models))
	return nil
}

// loadConfig reads .env files, loads the YAML config, and lets the config
// file's logging section take over unless CLI flags override it.
func loadConfig(cli *CLI) (*config.Config, error) {
	_ = config.LoadEnvFiles()

	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	output := cfg.Logging.Output
	if cli.LogFile != "" {
		output = cli.LogFile
	}

	lvl, _ := logger.ParseLevel(level)
	out := os.Stderr
	if output != "" {
		file, _, err := logger.OpenLogFile(output)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}
	logger.Init(lvl, out, format)

	slog.Info("Loaded configuration", "path", cli.Config)
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("dialog"),
		kong.Description("dialog - multi-tenant conversation orchestration service"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
