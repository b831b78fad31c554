package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "OP_ORDERER"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	PlanFile = &cli.StringFlag{
		Name:    "plan",
		Usage:   "Path to the YAML run plan describing suites and tests",
		EnvVars: prefixEnvVars("PLAN"),
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Usage:   "Number of dispatcher workers (0 = one per CPU)",
		Value:   0,
		EnvVars: prefixEnvVars("CONCURRENCY"),
	}
	SlotTimeout = &cli.DurationFlag{
		Name:    "slot-timeout",
		Usage:   "How long a sorting gate waits on a stalled head slot before force-flushing it (negative disables)",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVars("SLOT_TIMEOUT"),
	}
	Serial = &cli.BoolFlag{
		Name:    "serial",
		Usage:   "Run everything sequentially, bypassing the concurrent dispatcher",
		Value:   false,
		EnvVars: prefixEnvVars("SERIAL"),
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Usage:   "Interval between periodic runs",
		Value:   1 * time.Hour,
		EnvVars: prefixEnvVars("RUN_INTERVAL"),
	}
	RunOnce = &cli.BoolFlag{
		Name:    "run-once",
		Usage:   "Run once and exit instead of running periodically",
		Value:   false,
		EnvVars: prefixEnvVars("RUN_ONCE"),
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (trace, debug, info, warn, error)",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "Address to serve Prometheus metrics and healthz on (empty disables)",
		Value:   "",
		EnvVars: prefixEnvVars("METRICS_ADDR"),
	}
)

var requiredFlags = []cli.Flag{
	PlanFile,
}

var optionalFlags = []cli.Flag{
	Concurrency,
	SlotTimeout,
	Serial,
	RunInterval,
	RunOnce,
	LogLevel,
	MetricsAddr,
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func init() {
	Flags = append(Flags, requiredFlags...)
	Flags = append(Flags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
