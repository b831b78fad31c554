package orderer

import (
	"errors"
	"runtime"
	"time"

	"github.com/ethereum-optimism/infra/op-orderer/flags"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

type Config struct {
	PlanPath    string
	Concurrency int
	SlotTimeout time.Duration
	Serial      bool
	RunInterval time.Duration
	RunOnce     bool
	MetricsAddr string

	Log log.Logger
}

// NewConfig creates a new Config instance from CLI flags.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	planPath := ctx.String(flags.PlanFile.Name)
	if planPath == "" {
		return nil, errors.New("missing required flag: plan")
	}

	concurrency := ctx.Int(flags.Concurrency.Name)
	if concurrency < 0 {
		return nil, errors.New("concurrency must not be negative")
	}
	if concurrency == 0 {
		concurrency = runtime.NumCPU()
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := ctx.Bool(flags.RunOnce.Name)
	if !runOnce && runInterval <= 0 {
		return nil, errors.New("run-interval must be positive unless run-once is set")
	}

	return &Config{
		PlanPath:    planPath,
		Concurrency: concurrency,
		SlotTimeout: ctx.Duration(flags.SlotTimeout.Name),
		Serial:      ctx.Bool(flags.Serial.Name),
		RunInterval: runInterval,
		RunOnce:     runOnce,
		MetricsAddr: ctx.String(flags.MetricsAddr.Name),
		Log:         log,
	}, nil
}
