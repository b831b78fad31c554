package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	orderer "github.com/ethereum-optimism/infra/op-orderer"
	"github.com/ethereum-optimism/infra/op-orderer/exitcodes"
	"github.com/ethereum-optimism/infra/op-orderer/flags"
	"github.com/ethereum-optimism/infra/op-orderer/service"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Name = "op-orderer"
	app.Usage = "Ordered concurrent test run driver"
	app.Description = "Executes a run plan's suites and tests concurrently while emitting their lifecycle events in deterministic declared order."
	app.Version = formatVersion()
	app.Flags = flags.Flags
	app.Action = run

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		handleError(err)
	}
}

func formatVersion() string {
	v := Version
	if len(GitCommit) >= 8 {
		v += "-" + GitCommit[:8]
	}
	if GitDate != "" {
		v += "-" + GitDate
	}
	return v
}

// handleError maps typed service errors onto the documented exit codes.
func handleError(err error) {
	fmt.Fprintf(os.Stderr, "%v\n", err)
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	if orderer.IsRunFailureError(err) {
		os.Exit(exitcodes.RunFailure)
	}
	os.Exit(exitcodes.RuntimeErr)
}

func run(cliCtx *cli.Context) error {
	if err := flags.CheckRequired(cliCtx); err != nil {
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	logger, err := newLogger(cliCtx.String(flags.LogLevel.Name))
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	cfg, err := orderer.NewConfig(cliCtx, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitcodes.RuntimeErr)
	}

	ops := service.New(service.Config{
		Version: Version,
		Log:     logger,
	})
	if err := ops.Start(cliCtx.Context, cfg.MetricsAddr); err != nil {
		return cli.Exit(fmt.Sprintf("failed to start ops service: %v", err), exitcodes.RuntimeErr)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(ctx); err != nil {
			logger.Error("Ops service shutdown failed", "err", err)
		}
	}()

	svc, err := orderer.New(cliCtx.Context, cfg, Version, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create service: %v", err), exitcodes.RuntimeErr)
	}

	if err := svc.Start(cliCtx.Context); err != nil {
		if orderer.IsRunFailureError(err) {
			return cli.Exit(err.Error(), exitcodes.RunFailure)
		}
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}
	if cfg.RunOnce {
		return nil
	}

	<-cliCtx.Context.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		return cli.Exit(fmt.Sprintf("failed to stop service: %v", err), exitcodes.RuntimeErr)
	}
	return svc.WaitForShutdown(stopCtx)
}

func newLogger(level string) (log.Logger, error) {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)), nil
}
