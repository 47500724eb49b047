package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlpipe/internal/platform/logger"
)

func waitForAtLeast(t *testing.T, counter *int64, expected int64, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(counter) >= expected
	}, timeout, 10*time.Millisecond, "счётчик не достиг ожидаемого значения")
}

func newTestScheduler(t *testing.T, hooks JobHooks) *Scheduler {
	t.Helper()
	s := NewScheduler(context.Background(), logger.Discard(), hooks)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestScheduler_CronJob(t *testing.T) {
	s := newTestScheduler(t, JobHooks{})

	var counter int64
	_, err := s.AddCronJob("@every 100ms", func(ctx context.Context) error {
		atomic.AddInt64(&counter, 1)
		return nil
	}, JobOptions{Name: "cron"})
	require.NoError(t, err)

	s.Start()
	waitForAtLeast(t, &counter, 1, 2*time.Second)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := newTestScheduler(t, JobHooks{})

	_, err := s.AddCronJob("invalid schedule", func(context.Context) error { return nil }, JobOptions{Name: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestScheduler_TickerJob(t *testing.T) {
	s := newTestScheduler(t, JobHooks{})

	var counter int64
	require.NoError(t, s.AddTickerJob(20*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&counter, 1)
		return nil
	}, JobOptions{Name: "ticker"}))

	s.Start()
	waitForAtLeast(t, &counter, 2, time.Second)
}

func TestScheduler_TickerJobValidation(t *testing.T) {
	s := newTestScheduler(t, JobHooks{})

	assert.Error(t, s.AddTickerJob(0, func(context.Context) error { return nil }, JobOptions{}))

	s.Start()
	assert.Error(t, s.AddTickerJob(time.Second, func(context.Context) error { return nil }, JobOptions{}))
}

func TestScheduler_ErrorsAndPanicsKeepRunning(t *testing.T) {
	var finished, failed int64
	s := newTestScheduler(t, JobHooks{
		OnJobFinish: func(name string, d time.Duration, err error) {
			atomic.AddInt64(&finished, 1)
			if err != nil {
				atomic.AddInt64(&failed, 1)
			}
		},
	})

	var runs int64
	require.NoError(t, s.AddTickerJob(20*time.Millisecond, func(ctx context.Context) error {
		switch atomic.AddInt64(&runs, 1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("failed")
		}
		return nil
	}, JobOptions{Name: "flaky"}))

	s.Start()
	waitForAtLeast(t, &runs, 3, 2*time.Second)
	waitForAtLeast(t, &failed, 2, time.Second)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&finished), int64(2))
}

func TestScheduler_SkipIfRunning(t *testing.T) {
	s := newTestScheduler(t, JobHooks{})

	var active, maxActive, runs int64
	require.NoError(t, s.AddTickerJob(5*time.Millisecond, func(ctx context.Context) error {
		n := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)
		for {
			m := atomic.LoadInt64(&maxActive)
			if n <= m || atomic.CompareAndSwapInt64(&maxActive, m, n) {
				break
			}
		}
		atomic.AddInt64(&runs, 1)
		time.Sleep(30 * time.Millisecond)
		return nil
	}, JobOptions{Name: "slow", OverlapPolicy: SkipIfRunning}))

	s.Start()
	waitForAtLeast(t, &runs, 2, 2*time.Second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxActive))
}

func TestScheduler_Timeout(t *testing.T) {
	s := newTestScheduler(t, JobHooks{})

	var timedOut int64
	require.NoError(t, s.AddTickerJob(20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			atomic.AddInt64(&timedOut, 1)
		}
		return ctx.Err()
	}, JobOptions{Name: "timeout", Timeout: 10 * time.Millisecond, OverlapPolicy: SkipIfRunning}))

	s.Start()
	waitForAtLeast(t, &timedOut, 1, 2*time.Second)
}

func TestScheduler_Stop(t *testing.T) {
	s := NewScheduler(context.Background(), logger.Discard(), JobHooks{})

	var counter int64
	require.NoError(t, s.AddTickerJob(10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&counter, 1)
		return nil
	}, JobOptions{Name: "ticker"}))

	s.Start()
	waitForAtLeast(t, &counter, 1, time.Second)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())

	before := atomic.LoadInt64(&counter)
	assert.Never(t, func() bool {
		return atomic.LoadInt64(&counter) > before
	}, 100*time.Millisecond, 10*time.Millisecond)

	// Повторная остановка безопасна
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_ParentContextStops(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := NewScheduler(parent, logger.Discard(), JobHooks{})
	s.Start()

	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_StopDeadline(t *testing.T) {
	s := NewScheduler(context.Background(), logger.Discard(), JobHooks{})

	var started int64
	release := make(chan struct{})
	require.NoError(t, s.AddTickerJob(5*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&started, 1)
		<-release
		return nil
	}, JobOptions{Name: "stuck", OverlapPolicy: SkipIfRunning}))

	s.Start()
	waitForAtLeast(t, &started, 1, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	err := s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
