package breaker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/clock/fake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) (*CircuitBreaker, *fake.Clock) {
	t.Helper()
	clk := fake.New(epoch)
	cb, err := New(Config{FailureThreshold: threshold, Cooldown: cooldown}, clk, zap.NewNop())
	require.NoError(t, err)
	return cb, clk
}

func TestNewRequiresClock(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, Closed, cb.State())
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	require.Equal(t, Open, cb.State())
	require.False(t, cb.CanExecute())
}

func TestBreakerRecoveryCycle(t *testing.T) {
	t.Parallel()

	cb, clk := newTestBreaker(t, 5, time.Minute)
	for range 5 {
		cb.RecordFailure()
	}
	require.Equal(t, Open, cb.State())

	clk.Advance(59 * time.Second)
	require.False(t, cb.CanExecute())
	require.Equal(t, Open, cb.State())

	clk.Advance(time.Second)
	require.True(t, cb.CanExecute())
	require.Equal(t, HalfOpen, cb.State())
	require.True(t, cb.CanExecute(), "half-open admits trial calls")

	cb.RecordSuccess()
	status := cb.Status()
	require.Equal(t, Closed, status.State)
	require.Zero(t, status.Failures)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb, clk := newTestBreaker(t, 2, 10*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	clk.Advance(10 * time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	require.Equal(t, Open, cb.State())
	require.Equal(t, clk.Now(), cb.Status().LastFailure)

	clk.Advance(5 * time.Second)
	require.False(t, cb.CanExecute(), "trip timer restarts on half-open failure")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, Closed, cb.State())
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 1, time.Minute)
	cb.RecordFailure()
	raw, err := json.Marshal(cb.Status())
	require.NoError(t, err)
	require.Contains(t, string(raw), `"state":"open"`)
	require.Contains(t, string(raw), `"failure_count":1`)
}

func TestBreakerConcurrentFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 50, time.Minute)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.CanExecute()
			cb.RecordFailure()
		}()
	}
	wg.Wait()

	status := cb.Status()
	require.Equal(t, Open, status.State)
	require.Equal(t, 100, status.Failures)
}
