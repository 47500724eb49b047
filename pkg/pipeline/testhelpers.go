package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"sqlpipe/internal/platform/logger"
)

// TestQueue - очередь для тестов с удобными хелперами.
type TestQueue struct {
	*Queue
	Path string // путь к файлу БД (":memory:" для in-memory)
}

// testOptions - настройки по умолчанию с тихим логгером.
func testOptions(label string) Options {
	opts := DefaultOptions()
	opts.Label = label
	opts.Logger = logger.Discard()
	return opts
}

// NewTestQueueInMemory создает очередь над in-memory БД.
// Очередь закрывается после завершения теста.
func NewTestQueueInMemory(t *testing.T) *TestQueue {
	t.Helper()

	q, err := OpenInMemoryQueue(context.Background(), testOptions("test"))
	if err != nil {
		t.Fatalf("Failed to create in-memory test queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	return &TestQueue{Queue: q, Path: InMemory}
}

// NewTestQueueFile создает очередь над файловой БД в WAL режиме во временной
// директории теста. opts (если переданы) меняют настройки по умолчанию.
func NewTestQueueFile(t *testing.T, opts ...func(*Options)) *TestQueue {
	t.Helper()

	o := testOptions("test")
	for _, fn := range opts {
		fn(&o)
	}

	path := filepath.Join(t.TempDir(), "test.db")
	q, err := OpenQueue(context.Background(), path, o)
	if err != nil {
		t.Fatalf("Failed to create file test queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	return &TestQueue{Queue: q, Path: path}
}

// NewTestReadQueue открывает читателя для файла очереди tq.
func NewTestReadQueue(t *testing.T, tq *TestQueue) *ReadQueue {
	t.Helper()

	r, err := NewReadQueueFrom(context.Background(), tq.Queue)
	if err != nil {
		t.Fatalf("Failed to create test read queue: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// Exec выполняет SQL команду на очереди и проверяет отсутствие ошибок.
func (tq *TestQueue) Exec(t *testing.T, query string, args ...any) sql.Result {
	t.Helper()

	res, err := Sync(context.Background(), tq, func(c *Connection) (sql.Result, error) {
		return c.Execute(query, args...)
	})
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	return res
}

// MustSeedData выполняет запросы по порядку и падает при первой ошибке.
func (tq *TestQueue) MustSeedData(t *testing.T, queries ...string) {
	t.Helper()

	for _, query := range queries {
		tq.Exec(t, query)
	}
}

// CountRows возвращает количество строк в таблице.
func (tq *TestQueue) CountRows(t *testing.T, tableName string) int {
	t.Helper()
	return countRows(t, tq, tableName)
}

// TableExists проверяет существование таблицы.
func (tq *TestQueue) TableExists(t *testing.T, tableName string) bool {
	t.Helper()

	n, err := Sync(context.Background(), tq, func(c *Connection) (int, error) {
		var n int
		err := c.QueryRow("SELECT COUNT(*) FROM sqlite_schema WHERE type='table' AND name=?", tableName).Scan(&n)
		return n, err
	})
	if err != nil {
		t.Fatalf("Failed to check table existence: %v", err)
	}
	return n > 0
}

// CountRowsOn возвращает количество строк таблицы, видимых через e
// (например, читателю внутри его долгой транзакции).
func CountRowsOn(t *testing.T, e Executor, tableName string) int {
	t.Helper()
	return countRows(t, e, tableName)
}

func countRows(t *testing.T, e Executor, tableName string) int {
	t.Helper()

	n, err := Sync(context.Background(), e, func(c *Connection) (int, error) {
		var n int
		err := c.QueryRow("SELECT COUNT(*) FROM " + quoteIdent(tableName)).Scan(&n)
		return n, err
	})
	if err != nil {
		t.Fatalf("Failed to count rows in table %s: %v", tableName, err)
	}
	return n
}
