package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"sqlpipe/pkg/pipeline"
)

func TestOperationType(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT * FROM t", "select"},
		{"  with x as (select 1) select * from x", "select"},
		{"insert into t values (1)", "insert"},
		{"REPLACE INTO t VALUES (1)", "insert"},
		{"UPDATE t SET a = 1", "update"},
		{"DELETE FROM t", "delete"},
		{"CREATE TABLE t (a)", "create"},
		{"DROP TABLE t", "drop"},
		{"ALTER TABLE t ADD b", "alter"},
		{"PRAGMA journal_mode", "pragma"},
		{"BEGIN IMMEDIATE TRANSACTION", "begin"},
		{"COMMIT TRANSACTION", "commit"},
		{"ROLLBACK TRANSACTION TO SAVEPOINT x", "rollback"},
		{"SAVEPOINT x", "savepoint"},
		{"RELEASE SAVEPOINT x", "release"},
		{"VACUUM", "maintenance"},
		{"EXPLAIN SELECT 1", "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OperationType(tt.query), tt.query)
	}
}

func TestOperation(t *testing.T) {
	assert.Equal(t, "insert", Operation(&pipeline.Event{Operation: pipeline.OpExec, Query: "INSERT INTO t VALUES (1)"}))
	assert.Equal(t, pipeline.OpExec, Operation(&pipeline.Event{Operation: pipeline.OpExec}))
	assert.Equal(t, pipeline.OpTransaction, Operation(&pipeline.Event{Operation: pipeline.OpTransaction, Query: "ignored"}))
}

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerHook_OnlyErrorsByDefault(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggerHook(newJSONLogger(&buf), false, 0)
	ctx := context.Background()

	ok := &pipeline.Event{Queue: "q", Operation: pipeline.OpExec, Query: "INSERT INTO t VALUES (1)", StartTime: time.Now()}
	h.AfterOperation(h.BeforeOperation(ctx, ok), ok)
	assert.Empty(t, buf.String())

	failed := &pipeline.Event{Queue: "q", Operation: pipeline.OpExec, Query: "INSERT INTO t VALUES (1)", StartTime: time.Now(), Err: errors.New("boom")}
	h.AfterOperation(ctx, failed)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "database operation failed", lines[0]["msg"])
	assert.Equal(t, "insert", lines[0]["operation"])
	assert.Equal(t, "boom", lines[0]["error"])
	// Текст запроса только для logAll или медленных операций
	assert.NotContains(t, lines[0], "query")
}

func TestLoggerHook_SlowAndAll(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggerHook(newJSONLogger(&buf), false, time.Millisecond)

	slow := &pipeline.Event{Queue: "q", Operation: pipeline.OpQuery, Query: "SELECT 1", StartTime: time.Now().Add(-time.Second)}
	h.AfterOperation(context.Background(), slow)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "SELECT 1", lines[0]["query"])

	buf.Reset()
	h = NewLoggerHook(newJSONLogger(&buf), true, 0)
	item := &pipeline.Event{Queue: "q", Operation: pipeline.OpSync, Queued: true, Wait: time.Millisecond, StartTime: time.Now()}
	h.AfterOperation(context.Background(), item)

	lines = logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, "sync", lines[0]["operation"])
	assert.Contains(t, lines[0], "wait")
}

func TestLoggerHook_TruncatesQuery(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggerHook(newJSONLogger(&buf), true, 0)

	long := "SELECT " + strings.Repeat("x", 1000)
	h.AfterOperation(context.Background(), &pipeline.Event{Operation: pipeline.OpQuery, Query: long, StartTime: time.Now()})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	q, _ := lines[0]["query"].(string)
	assert.Len(t, q, maxQueryLen+3)
}

func TestLoggerHook_TruncatesOnRuneBoundary(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggerHook(newJSONLogger(&buf), true, 0)

	// "SELECT " - 7 байт, дальше двухбайтовые символы: граница попадает внутрь символа
	long := "SELECT " + strings.Repeat("я", 400)
	h.AfterOperation(context.Background(), &pipeline.Event{Operation: pipeline.OpQuery, Query: long, StartTime: time.Now()})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	q, _ := lines[0]["query"].(string)
	assert.True(t, utf8.ValidString(q))
	assert.True(t, strings.HasSuffix(q, "я..."))
	assert.Len(t, q, maxQueryLen-1+3)
}

func TestMetricsHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewMetricsHook(reg)
	require.NoError(t, err)

	ctx := context.Background()
	events := []*pipeline.Event{
		{Queue: "main", Operation: pipeline.OpExec, Query: "INSERT INTO t VALUES (1)", StartTime: time.Now()},
		{Queue: "main", Operation: pipeline.OpExec, Query: "INSERT INTO t VALUES (2)", StartTime: time.Now(), Err: errors.New("constraint")},
		{Queue: "main", QoS: pipeline.QoSUtility, Operation: pipeline.OpSync, Queued: true, Wait: 2 * time.Millisecond, StartTime: time.Now()},
	}
	for _, e := range events {
		h.AfterOperation(h.BeforeOperation(ctx, e), e)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(h.opTotal.WithLabelValues("main", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.opErrors.WithLabelValues("main", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.opTotal.WithLabelValues("main", "sync")))
	assert.Equal(t, 1, testutil.CollectAndCount(h.queueWait))

	// Повторная регистрация переиспользует коллекторы
	h2, err := NewMetricsHook(reg)
	require.NoError(t, err)
	assert.Same(t, h.opTotal, h2.opTotal)
}

func TestTracingHook(t *testing.T) {
	h := NewTracingHook(noop.NewTracerProvider().Tracer("test"))
	e := &pipeline.Event{Queue: "main", Operation: pipeline.OpExec, Query: "SELECT 1", StartTime: time.Now(), Err: errors.New("boom")}

	ctx := h.BeforeOperation(context.Background(), e)
	_, ok := ctx.Value(spanCtxKey{}).(trace.Span)
	assert.True(t, ok)
	h.AfterOperation(ctx, e)

	// Без трейсера контекст не меняется
	nilHook := NewTracingHook(nil)
	base := context.Background()
	assert.Equal(t, base, nilHook.BeforeOperation(base, e))
	nilHook.AfterOperation(base, e)
}

func TestHooks_WithQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetricsHook(reg)
	require.NoError(t, err)

	var buf bytes.Buffer
	opts := pipeline.DefaultOptions()
	opts.Label = "hooked"
	opts.Logger = slog.New(slog.DiscardHandler)
	opts.Hooks = []pipeline.Hook{
		NewLoggerHook(newJSONLogger(&buf), false, 0),
		metrics,
		NewTracingHook(noop.NewTracerProvider().Tracer("test")),
	}

	ctx := context.Background()
	q, err := pipeline.OpenInMemoryQueue(ctx, opts)
	require.NoError(t, err)
	defer q.Close()

	err = q.Sync(ctx, func(c *pipeline.Connection) error {
		if _, err := c.Execute("CREATE TABLE t (a)"); err != nil {
			return err
		}
		_, err := c.Execute("INSERT INTO missing VALUES (1)")
		return err
	})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.opTotal.WithLabelValues("hooked", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.opErrors.WithLabelValues("hooked", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.opErrors.WithLabelValues("hooked", "sync")))

	// Ошибка запроса и ошибка задания
	assert.Len(t, logLines(t, &buf), 2)
}
