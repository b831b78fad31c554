package orderer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func TestIntervalSchedulerRunsPeriodically(t *testing.T) {
	var runs atomic.Int64
	s, err := NewIntervalScheduler(context.Background(), log.New(), 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("scheduler done channel not closed after stop")
	}
}

func TestIntervalSchedulerDoubleStartFails(t *testing.T) {
	s, err := NewIntervalScheduler(context.Background(), log.New(), time.Hour, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.Error(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestIntervalSchedulerStopBeforeStart(t *testing.T) {
	s, err := NewIntervalScheduler(context.Background(), log.New(), time.Hour, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
}

func TestIntervalSchedulerValidation(t *testing.T) {
	_, err := NewIntervalScheduler(context.Background(), log.New(), 0, func(ctx context.Context) error { return nil })
	require.Error(t, err)

	_, err = NewIntervalScheduler(context.Background(), log.New(), time.Second, nil)
	require.Error(t, err)
}

func TestIntervalSchedulerParentCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewIntervalScheduler(ctx, log.New(), time.Hour, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Start())

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit on parent context cancellation")
	}
}
