package orderer

import (
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-orderer/flags"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = NewConfig(ctx, log.New())
		return nil
	}
	require.NoError(t, app.Run(append([]string{"op-orderer"}, args...)))
	return cfg, cfgErr
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--plan", "plan.yaml")
	require.NoError(t, err)
	require.Equal(t, "plan.yaml", cfg.PlanPath)
	require.Greater(t, cfg.Concurrency, 0)
	require.Equal(t, 10*time.Second, cfg.SlotTimeout)
	require.False(t, cfg.Serial)
	require.False(t, cfg.RunOnce)
	require.Equal(t, time.Hour, cfg.RunInterval)
}

func TestNewConfigOverrides(t *testing.T) {
	cfg, err := parseConfig(t,
		"--plan", "p.yaml",
		"--concurrency", "2",
		"--slot-timeout", "500ms",
		"--serial",
		"--run-once",
	)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Concurrency)
	require.Equal(t, 500*time.Millisecond, cfg.SlotTimeout)
	require.True(t, cfg.Serial)
	require.True(t, cfg.RunOnce)
}

func TestNewConfigRejectsMissingPlan(t *testing.T) {
	_, err := parseConfig(t)
	require.ErrorContains(t, err, "plan")
}

func TestNewConfigRejectsNegativeConcurrency(t *testing.T) {
	_, err := parseConfig(t, "--plan", "p.yaml", "--concurrency", "-1")
	require.ErrorContains(t, err, "concurrency")
}

func TestNewConfigRejectsZeroIntervalWithoutRunOnce(t *testing.T) {
	_, err := parseConfig(t, "--plan", "p.yaml", "--run-interval", "0s")
	require.ErrorContains(t, err, "run-interval")

	cfg, err := parseConfig(t, "--plan", "p.yaml", "--run-interval", "0s", "--run-once")
	require.NoError(t, err)
	require.True(t, cfg.RunOnce)
}
