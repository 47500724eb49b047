package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"sqlpipe/internal/shared"
)

// codeError mimics engine errors exposing a result code.
type codeError struct {
	code int
}

func (e codeError) Error() string { return fmt.Sprintf("sqlite error %d", e.code) }
func (e codeError) Code() int     { return e.code }

var errBusy = codeError{code: codeBusy}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts=5, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 20*time.Millisecond {
		t.Errorf("expected InitialDelay=20ms, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != time.Second {
		t.Errorf("expected MaxDelay=1s, got %v", cfg.MaxDelay)
	}
	if cfg.JitterStrategy != JitterDecorrelated {
		t.Errorf("expected decorrelated jitter, got %v", cfg.JitterStrategy)
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},
		{"busy", errBusy, true},
		{"locked", codeError{code: codeLocked}, true},
		// SQLITE_BUSY_SNAPSHOT = SQLITE_BUSY | (2<<8)
		{"extended busy", codeError{code: codeBusy | 2<<8}, true},
		{"constraint", codeError{code: 19}, false},
		{"wrapped busy", fmt.Errorf("exec: %w", errBusy), true},
		{"shared busy kind", shared.MarkKind(errors.New("locked"), shared.KindBusy), true},
		{"regular error", errors.New("regular"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DefaultRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	config := Config{
		InitialDelay: 100 * time.Millisecond,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // 1600ms capped
		{6, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			result := config.calculateDelay(tt.attempt)
			if result != tt.expected {
				t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, result, tt.expected)
			}
		})
	}
}

func TestDoSuccess(t *testing.T) {
	config := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
	}

	var attempts int32
	err := Do(context.Background(), config, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoRetriesBusy(t *testing.T) {
	config := Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}

	var attempts int32
	err := Do(context.Background(), config, func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success after retries, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoNonRetryableError(t *testing.T) {
	var attempts int32
	constraint := codeError{code: 19}

	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return constraint
	})
	if !errors.Is(err, constraint) {
		t.Errorf("expected constraint error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt (no retries), got %d", attempts)
	}
}

func TestDoMaxAttemptsReached(t *testing.T) {
	config := Config{
		MaxAttempts:  2,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}

	var attempts int32
	err := Do(context.Background(), config, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errBusy
	})

	var retryErr *RetriesExceededError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetriesExceededError, got %T", err)
	}
	if retryErr.Reason != "max attempts exceeded" {
		t.Errorf("unexpected reason %q", retryErr.Reason)
	}
	if !errors.Is(err, errBusy) {
		t.Errorf("should be able to unwrap to original error")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if retryErr.Error() == "" {
		t.Error("error message should not be empty")
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Config{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
	}

	var attempts int32
	err := Do(ctx, config, func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 2 {
			cancel()
		}
		return errBusy
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoInvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{MaxAttempts: 0}, func(ctx context.Context) error {
		return nil
	})
	if err == nil || err.Error() != "retry: MaxAttempts must be positive" {
		t.Errorf("expected validation error, got: %v", err)
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{MaxAttempts: 1, InitialDelay: time.Millisecond}, false},
		{"zero delay", Config{MaxAttempts: 1}, true},
		{"min above max", Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MinDelay: 2 * time.Second, MaxDelay: time.Second}, true},
		{"multiplier below one", Config{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 0.5}, true},
		{"negative elapsed", Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxElapsedTime: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := cfg.Normalize()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.Now == nil || cfg.After == nil || cfg.Rand == nil) {
				t.Error("Normalize should fill in defaults")
			}
		})
	}
}

func TestJitterBounds(t *testing.T) {
	config := Config{
		MaxAttempts:    2,
		InitialDelay:   100 * time.Millisecond,
		MinDelay:       50 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		JitterStrategy: JitterDecorrelated,
	}
	if err := config.Normalize(); err != nil {
		t.Fatal(err)
	}

	for range 100 {
		d := config.applyJitter(100 * time.Millisecond)
		if d < config.MinDelay || d > config.MaxDelay {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}

	config.JitterStrategy = JitterNone
	if d := config.applyJitter(100 * time.Millisecond); d != 100*time.Millisecond {
		t.Errorf("expected no jitter, got %v", d)
	}
}

func TestMaxElapsedTime(t *testing.T) {
	now := time.Unix(0, 0)
	config := Config{
		MaxAttempts:    10,
		InitialDelay:   10 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
		MaxElapsedTime: 25 * time.Millisecond,
		Now:            func() time.Time { return now },
		After: func(d time.Duration) <-chan time.Time {
			now = now.Add(d)
			ch := make(chan time.Time, 1)
			ch <- now
			return ch
		},
	}

	var attempts int32
	err := Do(context.Background(), config, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errBusy
	})

	var retryErr *RetriesExceededError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetriesExceededError, got %T", err)
	}
	if retryErr.Reason != "max elapsed time exceeded" {
		t.Errorf("expected 'max elapsed time exceeded', got %q", retryErr.Reason)
	}
	// 10ms + 20ms > 25ms: stops after the second attempt
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var callbackAttempts []int

	config := Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			callbackAttempts = append(callbackAttempts, attempt)
			if !errors.Is(err, errBusy) {
				t.Errorf("unexpected error in callback: %v", err)
			}
		},
	}

	var attempts int32
	err := Do(context.Background(), config, func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if len(callbackAttempts) != 2 || callbackAttempts[0] != 1 || callbackAttempts[1] != 2 {
		t.Errorf("unexpected callback attempts %v", callbackAttempts)
	}
}

func TestRetryWithAttempts(t *testing.T) {
	var attempts int32
	err := RetryWithAttempts(context.Background(), 4, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errBusy
	})
	if err == nil {
		t.Error("expected error after 4 attempts")
	}
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
}
