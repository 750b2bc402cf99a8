package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.IsOpen())
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.False(t, cb.IsOpen())
	assert.EqualValues(t, 1, cb.GetConsecutiveFailures())
}

func TestCircuitBreakerHalfOpenCycle(t *testing.T) {
	now := time.Unix(1000, 0)
	var transitions []string
	cb := NewCircuitBreaker(1, 10*time.Second).
		WithClock(func() time.Time { return now }).
		WithHalfOpenSuccesses(2).
		OnStateChange(func(from, to CircuitBreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		})

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	now = now.Add(11 * time.Second)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// a failed trial reopens
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	now = now.Add(11 * time.Second)
	assert.False(t, cb.IsOpen())
	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Equal(t, []string{
		"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed",
	}, transitions)
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	cb.RecordFailure()
	require.True(t, cb.IsOpen())
	cb.Reset()
	assert.False(t, cb.IsOpen())
	assert.Equal(t, "closed", cb.GetState().String())
	assert.Equal(t, "unknown", CircuitBreakerState(9).String())
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)
	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.GoSync(context.Background(), func() error {
				n := atomic.AddInt64(&running, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(2))
	m := l.GetMetrics()
	assert.EqualValues(t, 8, m.TotalAcquired)
	assert.EqualValues(t, 8, m.TotalReleased)
	assert.LessOrEqual(t, m.PeakConcurrent, int64(2))
	assert.Zero(t, l.CurrentActive())
}

func TestLimiterTripsBreaker(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(1, NewCircuitBreaker(2, time.Hour))
	boom := errors.New("publish failed")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, l.GoSync(context.Background(), func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, l.CircuitBreakerState())
	assert.ErrorIs(t, l.GoSync(context.Background(), func() error { return nil }), ErrCircuitOpen)
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(1, nil)
	require.NoError(t, l.Acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
	l.Release()
	l.Release() // extra release is ignored
	assert.Zero(t, l.CurrentActive())
}

func TestLoadConfig(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	cfg := loadConfig(getenv, 4)
	assert.Equal(t, 16, cfg.PublishConcurrency)
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.False(t, cfg.IsKubernetes)

	env["KUBERNETES_SERVICE_HOST"] = "10.0.0.1"
	cfg = loadConfig(getenv, 4)
	assert.True(t, cfg.IsKubernetes)
	assert.Equal(t, 8, cfg.PublishConcurrency)

	env["DAEDALUS_CONCURRENCY_MULTIPLIER"] = "3"
	assert.Equal(t, 12, loadConfig(getenv, 4).PublishConcurrency)

	env["DAEDALUS_PUBLISH_CONCURRENCY"] = "5"
	cfg = loadConfig(getenv, 4)
	assert.Equal(t, 5, cfg.PublishConcurrency)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Contains(t, cfg.String(), "PublishConcurrency: 5")

	assert.Equal(t, 1, loadConfig(func(string) string { return "" }, 0).PublishConcurrency)
}

func TestInitializeForKubernetes(t *testing.T) {
	undo := InitializeForKubernetes(zaptest.NewLogger(t))
	require.NotNil(t, undo)
	undo()
}
