package pipeline

import (
	"context"
	"database/sql"
)

// Statement - подготовленное выражение, привязанное к соединению очереди.
// Должно быть закрыто до закрытия очереди.
type Statement struct {
	conn  *Connection
	stmt  *sql.Stmt
	query string
}

// SQL возвращает исходный текст выражения.
func (s *Statement) SQL() string { return s.query }

// Execute выполняет выражение с аргументами.
func (s *Statement) Execute(args ...any) (sql.Result, error) {
	var res sql.Result
	err := observe(s.conn.Context(), s.conn.hooks, s.conn.event(OpExec, s.query), func(ctx context.Context) error {
		var err error
		res, err = s.stmt.ExecContext(ctx, args...)
		return engineError(err, s.query)
	})
	return res, err
}

// Query выполняет выражение и возвращает строки.
func (s *Statement) Query(args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := observe(s.conn.Context(), s.conn.hooks, s.conn.event(OpQuery, s.query), func(ctx context.Context) error {
		var err error
		rows, err = s.stmt.QueryContext(ctx, args...)
		return engineError(err, s.query)
	})
	return rows, err
}

// Results выполняет выражение и вызывает handler для каждой строки.
// Ошибка handler прекращает обход и возвращается как есть.
func (s *Statement) Results(args []any, handler func(rows *sql.Rows) error) error {
	rows, err := s.Query(args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := handler(rows); err != nil {
			return err
		}
	}
	return engineError(rows.Err(), s.query)
}

// Close финализирует выражение.
func (s *Statement) Close() error {
	return s.stmt.Close()
}
