package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite драйвер

	"sqlpipe/pkg/retry"
)

// TransactionState - состояние транзакции соединения по sqlite3_txn_state.
type TransactionState int

const (
	// TxnNone - транзакции нет
	TxnNone TransactionState = iota
	// TxnRead - открыта читающая транзакция
	TxnRead
	// TxnWrite - открыта пишущая транзакция
	TxnWrite
)

func (s TransactionState) String() string {
	switch s {
	case TxnNone:
		return "none"
	case TxnRead:
		return "read"
	case TxnWrite:
		return "write"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// Querier объединяет методы выполнения запросов database/sql.
// Позволяет коду, написанному под *sql.DB или *sql.Tx, работать внутри блока очереди.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Убедимся на этапе компиляции, что типы реализуют интерфейс
var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Conn)(nil)
	_ Querier = (*Connection)(nil)
)

// Connection - одно соединение с SQLite. Не безопасно для конкурентного
// использования: все вызовы выполняются внутри блоков своей очереди.
//
// Соединение держит sql.Conn из пула на одно соединение, поэтому состояние
// транзакции между запросами не теряется.
type Connection struct {
	db     *sql.DB
	conn   *sql.Conn
	ctx    context.Context // контекст текущего задания очереди
	path   string
	label  string
	qos    QoS
	logger *slog.Logger
	hooks  []Hook
}

// OpenConnection открывает соединение с базой по пути path (или InMemory) и
// применяет PRAGMA настройки из opts.
func OpenConnection(ctx context.Context, path string, opts Options) (*Connection, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, &MisuseError{Op: "open", Message: "empty database path"}
	}

	// Создаем директорию для БД если её нет
	if path != InMemory && opts.AccessMode == AccessModeReadWriteCreate {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Ровно одно соединение: очередь владеет им монопольно
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	conn, err := db.Conn(pingCtx)
	if err == nil {
		err = conn.PingContext(pingCtx)
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database %s: %w", path, engineError(err, ""))
	}

	c := &Connection{
		db:     db,
		conn:   conn,
		path:   path,
		label:  opts.Label,
		qos:    opts.QoS,
		logger: opts.Logger,
		hooks:  opts.Hooks,
	}

	if err := c.applyPragmaSettings(ctx, opts); err != nil {
		_ = c.close()
		return nil, fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}

	return c, nil
}

// applyPragmaSettings применяет PRAGMA настройки к открытому соединению.
// Переключение в WAL требует эксклюзивной блокировки, поэтому повторяется при SQLITE_BUSY.
func (c *Connection) applyPragmaSettings(ctx context.Context, opts Options) error {
	pragmas := make([]string, 0, 3)

	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}

	// Читатель не может менять режим журнала; WAL сохраняется в файле
	if opts.WALMode && opts.AccessMode != AccessModeReadOnly && c.path != InMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	pragmas = append(pragmas, "PRAGMA synchronous = "+string(opts.Synchronous))

	for _, pragma := range pragmas {
		err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
			_, err := c.conn.ExecContext(ctx, pragma)
			return engineError(err, pragma)
		})
		if err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Path возвращает путь, с которым открыто соединение.
func (c *Connection) Path() string { return c.path }

// Label возвращает метку очереди-владельца.
func (c *Connection) Label() string { return c.label }

// Logger возвращает логгер соединения.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// Context возвращает контекст текущего задания очереди. Он не отменяется:
// начатый блок всегда выполняется до конца.
func (c *Connection) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Connection) event(op, query string) *Event {
	return &Event{Queue: c.label, QoS: c.qos, Operation: op, Query: query}
}

// exec выполняет служебную команду без результата.
func (c *Connection) exec(op, query string) error {
	return observe(c.Context(), c.hooks, c.event(op, query), func(ctx context.Context) error {
		_, err := c.conn.ExecContext(ctx, query)
		return engineError(err, query)
	})
}

// Execute выполняет запрос, не возвращающий строк.
func (c *Connection) Execute(query string, args ...any) (sql.Result, error) {
	return c.ExecContext(c.Context(), query, args...)
}

// ExecContext реализует Querier.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := observe(ctx, c.hooks, c.event(OpExec, query), func(ctx context.Context) error {
		var err error
		res, err = c.conn.ExecContext(ctx, query, args...)
		return engineError(err, query)
	})
	return res, err
}

// Query выполняет запрос и возвращает строки. Строки нужно закрыть до конца блока.
func (c *Connection) Query(query string, args ...any) (*sql.Rows, error) {
	return c.QueryContext(c.Context(), query, args...)
}

// QueryContext реализует Querier.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := observe(ctx, c.hooks, c.event(OpQuery, query), func(ctx context.Context) error {
		var err error
		rows, err = c.conn.QueryContext(ctx, query, args...)
		return engineError(err, query)
	})
	return rows, err
}

// QueryRow выполняет запрос, возвращающий не более одной строки.
func (c *Connection) QueryRow(query string, args ...any) *sql.Row {
	return c.QueryRowContext(c.Context(), query, args...)
}

// QueryRowContext реализует Querier.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	var row *sql.Row
	_ = observe(ctx, c.hooks, c.event(OpQuery, query), func(ctx context.Context) error {
		row = c.conn.QueryRowContext(ctx, query, args...)
		return engineError(row.Err(), query)
	})
	return row
}

// PrepareContext реализует Querier.
func (c *Connection) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	var stmt *sql.Stmt
	err := observe(ctx, c.hooks, c.event(OpPrepare, query), func(ctx context.Context) error {
		var err error
		stmt, err = c.conn.PrepareContext(ctx, query)
		return engineError(err, query)
	})
	return stmt, err
}

// Prepare компилирует запрос. Некорректный SQL возвращает *EngineError.
func (c *Connection) Prepare(query string) (*Statement, error) {
	if err := withNative(c.conn, func(n native) error {
		_, err := n.compile(query)
		return err
	}); err != nil {
		return nil, err
	}
	return c.prepare(query)
}

// PrepareReadOnly компилирует запрос, который не меняет базу. Для
// изменяющих выражений возвращается ErrNotReadOnly. Управление транзакциями
// и ATTACH тоже отклоняются: они меняют состояние соединения.
func (c *Connection) PrepareReadOnly(query string) (*Statement, error) {
	if err := withNative(c.conn, func(n native) error {
		readOnly, err := n.compile(query)
		if err != nil {
			return err
		}
		if !readOnly || changesConnection(query) {
			return fmt.Errorf("%w [%s]", ErrNotReadOnly, truncate(query, 200))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return c.prepare(query)
}

func (c *Connection) prepare(query string) (*Statement, error) {
	stmt, err := c.PrepareContext(c.Context(), query)
	if err != nil {
		return nil, err
	}
	return &Statement{conn: c, stmt: stmt, query: query}, nil
}

// Begin открывает транзакцию в указанном режиме. Если транзакция уже открыта,
// возвращается ошибка движка.
func (c *Connection) Begin(typ TransactionType) error {
	switch typ {
	case Deferred, Immediate, Exclusive:
	default:
		return &MisuseError{Op: "begin", Message: fmt.Sprintf("unknown transaction type %d", int(typ))}
	}
	return c.exec(OpBegin, "BEGIN "+typ.String()+" TRANSACTION")
}

// Commit фиксирует текущую транзакцию.
func (c *Connection) Commit() error {
	return c.exec(OpCommit, "COMMIT TRANSACTION")
}

// Rollback откатывает текущую транзакцию.
func (c *Connection) Rollback() error {
	return c.exec(OpRollback, "ROLLBACK TRANSACTION")
}

// BeginSavepoint создаёт точку сохранения name. Вне транзакции SQLite
// неявно открывает транзакцию, которую закроет RELEASE самой внешней точки.
func (c *Connection) BeginSavepoint(name string) error {
	q, err := savepointSQL("SAVEPOINT ", name)
	if err != nil {
		return err
	}
	return c.exec(OpSavepoint, q)
}

// RollbackToSavepoint откатывает изменения после точки name; сама точка остаётся.
func (c *Connection) RollbackToSavepoint(name string) error {
	q, err := savepointSQL("ROLLBACK TRANSACTION TO SAVEPOINT ", name)
	if err != nil {
		return err
	}
	return c.exec(OpRollbackTo, q)
}

// ReleaseSavepoint удаляет точку name и все вложенные в неё.
func (c *Connection) ReleaseSavepoint(name string) error {
	q, err := savepointSQL("RELEASE SAVEPOINT ", name)
	if err != nil {
		return err
	}
	return c.exec(OpRelease, q)
}

func savepointSQL(prefix, name string) (string, error) {
	if name == "" {
		return "", &MisuseError{Op: strings.ToLower(strings.TrimSpace(prefix)), Message: "empty savepoint name"}
	}
	return prefix + quoteIdent(name), nil
}

// quoteIdent заключает идентификатор в двойные кавычки.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// connectionKeywords - выражения, которые sqlite3_stmt_readonly считает
// читающими, хотя они меняют состояние соединения.
var connectionKeywords = map[string]bool{
	"BEGIN": true, "COMMIT": true, "END": true, "ROLLBACK": true,
	"SAVEPOINT": true, "RELEASE": true, "ATTACH": true, "DETACH": true,
}

// changesConnection определяет по первому ключевому слову запроса (пробелы и
// комментарии пропускаются), меняет ли он состояние соединения.
func changesConnection(query string) bool {
	q := query
	for {
		q = strings.TrimLeft(q, " \t\r\n")
		switch {
		case strings.HasPrefix(q, "--"):
			i := strings.IndexByte(q, '\n')
			if i < 0 {
				return false
			}
			q = q[i+1:]
		case strings.HasPrefix(q, "/*"):
			i := strings.Index(q, "*/")
			if i < 0 {
				return false
			}
			q = q[i+2:]
		default:
			end := strings.IndexFunc(q, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
			})
			if end < 0 {
				end = len(q)
			}
			return connectionKeywords[strings.ToUpper(q[:end])]
		}
	}
}

// TransactionState возвращает состояние транзакции для схемы. Пустая схема -
// наибольшее состояние среди всех подключённых схем.
func (c *Connection) TransactionState(schema string) (TransactionState, error) {
	var state TransactionState
	err := withNative(c.conn, func(n native) error {
		var err error
		state, err = n.txnState(schema)
		return err
	})
	return state, err
}

// IsInAutocommitMode сообщает, что транзакция не открыта. При недоступном
// нативном дескрипторе возвращает false, чтобы восстановление всё же попробовало ROLLBACK.
func (c *Connection) IsInAutocommitMode() bool {
	autocommit := false
	err := withNative(c.conn, func(n native) error {
		autocommit = n.autocommit()
		return nil
	})
	if err != nil {
		c.logger.Debug("autocommit state unavailable", slog.String("error", err.Error()))
		return false
	}
	return autocommit
}

// IsReadOnly сообщает, открыта ли основная схема только для чтения.
func (c *Connection) IsReadOnly() bool {
	ro := false
	_ = withNative(c.conn, func(n native) error {
		ro = n.readOnly("main")
		return nil
	})
	return ro
}

// Filename возвращает абсолютный путь файла основной схемы (пусто для базы в памяти).
func (c *Connection) Filename() string {
	name := ""
	_ = withNative(c.conn, func(n native) error {
		name = n.filename("main")
		return nil
	})
	return name
}

// close закрывает соединение. Незавершённые подготовленные выражения
// попадают в лог предупреждением: это ошибка вызывающего кода, а не закрытия.
func (c *Connection) close() error {
	if c.conn == nil {
		return nil
	}

	_ = withNative(c.conn, func(n native) error {
		if stmts := n.pendingStatements(); len(stmts) > 0 {
			c.logger.Warn("closing connection with unfinalized statements",
				slog.Int("count", len(stmts)),
				slog.String("sql", strings.Join(stmts, "; ")),
			)
		}
		return nil
	})

	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	c.conn = nil
	if errors.Is(err, sql.ErrConnDone) {
		err = nil
	}
	return err
}
