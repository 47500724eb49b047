// Package retry retries operations that failed on database lock contention,
// with exponential backoff and jitter.
//
// The default classifier retries SQLITE_BUSY and SQLITE_LOCKED (any error
// exposing Code() int, such as *sqlite.Error or *pipeline.EngineError) and
// errors classified as shared.KindBusy. Cancellation and deadlines are final.
//
// Basic Usage:
//
//	err := retry.Retry(ctx, func(ctx context.Context) error {
//	    _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
//	    return err
//	})
//
// Advanced Configuration:
//
//	config := retry.Config{
//	    MaxAttempts:    10,
//	    InitialDelay:   10 * time.Millisecond,
//	    MaxDelay:       500 * time.Millisecond,
//	    MaxElapsedTime: 5 * time.Second,
//	    JitterStrategy: retry.JitterDecorrelated,
//	    OnRetry: func(attempt int, err error, delay time.Duration) {
//	        logger.Debug("database busy", "attempt", attempt, "delay", delay)
//	    },
//	}
//	err := retry.Do(ctx, config, fn)
//
// Busy handling inside a single statement is still delegated to the engine's
// busy timeout; this package covers the calls that run outside of it, such as
// switching the journal mode or checkpointing the WAL.
package retry
