package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockSleepAdvancesAndRecords(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)

	require.NoError(t, clk.Sleep(context.Background(), 2*time.Second))
	clk.Advance(time.Second)

	require.Equal(t, start.Add(3*time.Second), clk.Now())
	require.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
}

func TestClockSleepCanceled(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, clk.Sleep(ctx, time.Minute), context.Canceled)
	require.Equal(t, start, clk.Now())
	require.Empty(t, clk.Sleeps())
}
