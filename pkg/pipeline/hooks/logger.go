// Package hooks provides observability hooks for pipeline queues.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"sqlpipe/pkg/pipeline"
)

const maxQueryLen = 500

// LoggerHook logs failed and slow operations, and optionally every operation.
type LoggerHook struct {
	logger        *slog.Logger
	logAll        bool
	slowThreshold time.Duration
}

var _ pipeline.Hook = (*LoggerHook)(nil)

// NewLoggerHook creates a new logger hook
func NewLoggerHook(logger *slog.Logger, logAll bool, slowThreshold time.Duration) *LoggerHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerHook{
		logger:        logger,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

// BeforeOperation is called before an operation starts
func (h *LoggerHook) BeforeOperation(ctx context.Context, e *pipeline.Event) context.Context {
	return ctx
}

// AfterOperation is called after an operation finished
func (h *LoggerHook) AfterOperation(ctx context.Context, e *pipeline.Event) {
	duration := time.Since(e.StartTime)
	slow := h.slowThreshold > 0 && duration >= h.slowThreshold

	if !h.logAll && !slow && e.Err == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("queue", e.Queue),
		slog.String("operation", Operation(e)),
		slog.Duration("duration", duration),
	}
	if e.Queued {
		attrs = append(attrs, slog.Duration("wait", e.Wait))
	}
	if e.Query != "" && (h.logAll || slow) {
		attrs = append(attrs, slog.String("query", truncate(e.Query)))
	}

	switch {
	case e.Err != nil:
		attrs = append(attrs, slog.String("error", e.Err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelError, "database operation failed", attrs...)
	case slow:
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow database operation", attrs...)
	default:
		h.logger.LogAttrs(ctx, slog.LevelDebug, "database operation", attrs...)
	}
}

// Operation returns the label for an event: the statement kind for exec,
// query and prepare events, the pipeline operation otherwise.
func Operation(e *pipeline.Event) string {
	switch e.Operation {
	case pipeline.OpExec, pipeline.OpQuery, pipeline.OpPrepare:
		if e.Query != "" {
			return OperationType(e.Query)
		}
	}
	return e.Operation
}

// OperationType extracts the operation type from a query
func OperationType(query string) string {
	query = strings.TrimSpace(strings.ToUpper(query))
	switch {
	case strings.HasPrefix(query, "SELECT"), strings.HasPrefix(query, "WITH"):
		return "select"
	case strings.HasPrefix(query, "INSERT"), strings.HasPrefix(query, "REPLACE"):
		return "insert"
	case strings.HasPrefix(query, "UPDATE"):
		return "update"
	case strings.HasPrefix(query, "DELETE"):
		return "delete"
	case strings.HasPrefix(query, "CREATE"):
		return "create"
	case strings.HasPrefix(query, "DROP"):
		return "drop"
	case strings.HasPrefix(query, "ALTER"):
		return "alter"
	case strings.HasPrefix(query, "PRAGMA"):
		return "pragma"
	case strings.HasPrefix(query, "BEGIN"):
		return "begin"
	case strings.HasPrefix(query, "COMMIT"), strings.HasPrefix(query, "END"):
		return "commit"
	case strings.HasPrefix(query, "ROLLBACK"):
		return "rollback"
	case strings.HasPrefix(query, "SAVEPOINT"):
		return "savepoint"
	case strings.HasPrefix(query, "RELEASE"):
		return "release"
	case strings.HasPrefix(query, "VACUUM"), strings.HasPrefix(query, "ANALYZE"):
		return "maintenance"
	default:
		return "other"
	}
}

// truncate cuts query to maxQueryLen bytes on a rune boundary.
func truncate(query string) string {
	if len(query) <= maxQueryLen {
		return query
	}
	n := maxQueryLen
	for n > 0 && !utf8.RuneStart(query[n]) {
		n--
	}
	return query[:n] + "..."
}
