// Command patchsmith runs the autonomous issue-implementation agent.
//
// Usage:
//
//	patchsmith run --issue 42
//	patchsmith serve --addr :8080
//	patchsmith version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/logger"
	"github.com/kadirpekel/patchsmith/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Implement a single issue and exit."`
	Serve   ServeCmd   `cmd:"" help:"Start the webhook server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, detailed, json)." default:"simple"`
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
	fmt.Printf("patchsmith version %s\n", version)
	return nil
}

// RunCmd implements one issue end to end.
type RunCmd struct {
	Issue int `required:"" help:"Issue number to implement."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	runner, err := newIssueRunner(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return runner.RunIssue(ctx, c.Issue)
}

// ServeCmd starts the webhook front door.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides WEBHOOK_ADDR)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	runner, err := newIssueRunner(cfg, slog.Default())
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, runner, runner.tracker, slog.Default())

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	config.LoadDotEnv()

	cfg := config.FromEnv()
	if cli.Config != "" {
		loaded, err := config.LoadFile(cli.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("patchsmith"),
		kong.Description("Autonomous agent that implements tracker issues as pull requests."),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	if err := kctx.Run(&cli); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
